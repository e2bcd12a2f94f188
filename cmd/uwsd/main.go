package main

// ============================================================================
// 職責說明：
// 1. uwsd 程式入口點
// 2. 建立 CLI 並執行命令
// 3. 處理頂層錯誤與 panic recovery
//
// 編譯：
//   go build -ldflags "-X github.com/ChuLiYu/uws-engine/internal/cli.Version=1.0.0" -o bin/uwsd ./cmd/uwsd
//
// 執行：
//   ./bin/uwsd run -c configs/default.yaml
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/uws-engine/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdConfig locates the snapshot keys.
type EtcdConfig struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
	// LogLevel of the etcd client's own logger; empty silences it.
	LogLevel string
}

// EtcdKV is the part of the etcd client the sink uses.
type EtcdKV interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// EtcdSink stores each blob under Prefix + name.
type EtcdSink struct {
	kv     EtcdKV
	prefix string
	closer func() error
}

// NewEtcdSink connects to the cluster.
func NewEtcdSink(cfg EtcdConfig) (*EtcdSink, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd sink: at least one endpoint is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	logger, err := clientLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd sink: connect: %w", err)
	}

	s := NewEtcdSinkWithKV(cli, cfg.Prefix)
	s.closer = cli.Close
	return s, nil
}

// NewEtcdSinkWithKV wraps an existing key-value client.
func NewEtcdSinkWithKV(kv EtcdKV, prefix string) *EtcdSink {
	if prefix == "" {
		prefix = "/uws/backup/"
	}
	return &EtcdSink{kv: kv, prefix: prefix}
}

func clientLogger(level string) (*zap.Logger, error) {
	if level == "" {
		return zap.NewNop(), nil
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("etcd sink: log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

func (s *EtcdSink) Write(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, s.prefix+name, string(data)); err != nil {
		return fmt.Errorf("etcd sink: put %s: %w", s.prefix+name, err)
	}
	return nil
}

func (s *EtcdSink) Read(ctx context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	resp, err := s.kv.Get(ctx, s.prefix+name)
	if err != nil {
		return nil, fmt.Errorf("etcd sink: get %s: %w", s.prefix+name, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, s.prefix+name)
	}
	return resp.Kvs[0].Value, nil
}

// Close releases the client connection, if the sink opened one.
func (s *EtcdSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

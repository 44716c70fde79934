package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/isekhub/isekreg/util/backoff"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// WaitForEtcd waits until etcd answers a read at endpoint or timeout elapses.
// Attempts are paced with exponential backoff.
func WaitForEtcd(endpoint string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	b := backoff.New(100*time.Millisecond, 2*time.Second, 2.0)
	for {
		if etcdReachable(ctx, endpoint) {
			return nil
		}
		if err := b.Wait(ctx); err != nil {
			return fmt.Errorf("timeout waiting for etcd at %s to be available", endpoint)
		}
	}
}

func etcdReachable(ctx context.Context, endpoint string) bool {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		return false
	}
	defer cli.Close()

	getCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = cli.Get(getCtx, "/health-check")
	return err == nil
}

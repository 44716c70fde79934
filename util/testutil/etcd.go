package testutil

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultEtcdEndpoint is where integration tests expect a local etcd.
const DefaultEtcdEndpoint = "localhost:2379"

// EtcdTestMutex ensures only one etcd integration test runs at a time across
// packages sharing the same etcd instance.
//
//	func TestSomethingWithEtcd(t *testing.T) {
//	    testutil.EtcdTestMutex.Lock()
//	    defer testutil.EtcdTestMutex.Unlock()
//	    prefix := testutil.PrepareEtcdPrefix(t, testutil.DefaultEtcdEndpoint)
//	    ...
//	}
var EtcdTestMutex sync.Mutex

var prefixUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// PrepareEtcdPrefix returns a registry prefix unique to this test run and
// deletes every key under it when the test finishes. The test is skipped if
// etcd cannot be reached at endpoint.
func PrepareEtcdPrefix(t *testing.T, endpoint string) string {
	t.Helper()

	if err := WaitForEtcd(endpoint, 2*time.Second); err != nil {
		t.Skipf("Skipping test: %v", err)
		return ""
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Skipf("Skipping test: etcd not available at %s: %v", endpoint, err)
		return ""
	}

	name := strings.ToLower(prefixUnsafe.ReplaceAllString(t.Name(), "_"))
	if len(name) > 48 {
		name = name[:48]
	}
	prefix := fmt.Sprintf("isektest_%s_%s", name, uuid.NewString()[:8])

	t.Cleanup(func() {
		defer cli.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := cli.Delete(ctx, "/"+prefix+"/", clientv3.WithPrefix()); err != nil {
			t.Logf("Warning: failed to clean etcd prefix %s: %v", prefix, err)
		}
	})

	return prefix
}

package advertise

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const DefaultEtcdPrefix = "/natlayer/v1/advertise"

// Etcd is an Advertiser on etcd, every announcement is a key with its own lease.
type Etcd struct {
	client *clientv3.Client
	prefix string
}

// NewEtcd connects to the etcd cluster at endpoints, the caller must call Close when done.
func NewEtcd(endpoints []string, prefix string) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return NewEtcdFromClient(client, prefix), nil
}

func NewEtcdFromClient(client *clientv3.Client, prefix string) *Etcd {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	return &Etcd{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

// dir is the etcd prefix of every value of key.
func (e *Etcd) dir(key string) string {
	return fmt.Sprintf("%s/%s/", e.prefix, url.PathEscape(key))
}

func (e *Etcd) entry(key, value string) string {
	return e.dir(key) + url.PathEscape(value)
}

func (e *Etcd) Announce(ctx context.Context, key, value string, ttl time.Duration) error {
	secs := max(int64(ttl/time.Second), 1)

	lease, err := e.client.Grant(ctx, secs)
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}

	k := e.entry(key, value)
	if _, err := e.client.Put(ctx, k, value, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd put %q: %w", k, err)
	}
	return nil
}

func (e *Etcd) Withdraw(ctx context.Context, key, value string) error {
	k := e.entry(key, value)
	if _, err := e.client.Delete(ctx, k); err != nil {
		return fmt.Errorf("etcd delete %q: %w", k, err)
	}
	return nil
}

func (e *Etcd) Lookup(ctx context.Context, key string) ([]string, error) {
	pfx := e.dir(key)

	resp, err := e.client.Get(ctx, pfx, clientv3.WithPrefix(), clientv3.WithLimit(MaxLookup))
	if err != nil {
		return nil, fmt.Errorf("etcd list %q: %w", pfx, err)
	}

	values := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, string(kv.Value))
	}
	return values, nil
}

// Close releases the etcd client.
func (e *Etcd) Close() error {
	return e.client.Close()
}

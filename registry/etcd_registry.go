// etcd-backed Registry.
//
// etcd gives the directory strong consistency and TTL leases: if the process
// that registered an endpoint crashes, its lease expires and the entry is
// removed automatically, so workers never resolve ghost destinations.
//
//	Key:   /endpool/{service}/{host:port}
//	Value: JSON-encoded Endpoint
package registry

import (
	"context"
	"encoding/json"
	"net"
	"strconv"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/endpool/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // goroutine-safe, shared across callers
	log    *zap.Logger
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, log *zap.Logger) (*EtcdRegistry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
		Logger:    log.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, log: log.Named("registry")}, nil
}

// Close releases the etcd client.
func (r *EtcdRegistry) Close() error { return r.client.Close() }

func key(service string, ep Endpoint) string {
	return keyPrefix + service + "/" + net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
}

// Register stores the endpoint under a TTL lease and keeps the lease alive in
// the background. The lease ID stays local so concurrent registrations
// through one EtcdRegistry do not race on shared state.
func (r *EtcdRegistry) Register(service string, ep Endpoint, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, key(service, ep), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	// Drain keep-alive responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()

	r.log.Info("registered endpoint",
		zap.String("service", service),
		zap.String("host", ep.Host),
		zap.Int("port", ep.Port))
	return nil
}

// Deregister removes the endpoint's entry.
func (r *EtcdRegistry) Deregister(service string, ep Endpoint) error {
	_, err := r.client.Delete(context.TODO(), key(service, ep))
	return err
}

// Resolve lists every endpoint registered for service.
func (r *EtcdRegistry) Resolve(service string) ([]Endpoint, error) {
	resp, err := r.client.Get(context.TODO(), keyPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.log.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key))
			continue
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Watch re-resolves the full list on every change under the service prefix
// (simpler and more robust than folding individual watch events).
func (r *EtcdRegistry) Watch(service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		watchChan := r.client.Watch(context.TODO(), keyPrefix+service+"/", clientv3.WithPrefix())
		for range watchChan {
			eps, err := r.Resolve(service)
			if err != nil {
				r.log.Warn("resolve after watch event failed", zap.Error(err))
				continue
			}
			ch <- eps
		}
	}()

	return ch
}

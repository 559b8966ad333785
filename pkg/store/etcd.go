package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStoreOptions configures the etcd-backed run store.
type EtcdStoreOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
	TLS         *tls.Config
}

// EtcdStore keeps runs and diagnoses in etcd for fleets that already
// share a coordination cluster. The running-per-type invariant is held
// by a marker key per test type; the conditional insert is a single
// transaction comparing the marker's create revision.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdStore constructs a store backed by the given etcd endpoints.
func NewEtcdStore(opts EtcdStoreOptions) (*EtcdStore, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd store requires at least one endpoint")
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	cfg := clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 opts.TLS,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	}
	client, err := clientv3.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	return &EtcdStore{
		client: client,
		prefix: normalizePrefix(opts.Namespace),
	}, nil
}

// NewEtcdStoreWithClient wraps an existing client; used by tests against
// an embedded etcd server.
func NewEtcdStoreWithClient(client *clientv3.Client, namespace string) *EtcdStore {
	return &EtcdStore{client: client, prefix: normalizePrefix(namespace)}
}

func normalizePrefix(namespace string) string {
	trimmed := strings.Trim(namespace, "/")
	if trimmed == "" {
		return "/rackvalidator"
	}
	return "/" + trimmed
}

func (e *EtcdStore) runKey(id string) string     { return e.prefix + "/runs/" + id }
func (e *EtcdStore) markerKey(t TestType) string { return e.prefix + "/running/" + string(t) }
func (e *EtcdStore) rcaKey(testID string) string { return e.prefix + "/rca/" + testID }

// Close implements Store.
func (e *EtcdStore) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	return e.client.Close()
}

// CreateRunIfNoneRunning implements Store. The transaction succeeds only
// when no marker exists for the type, writing both the marker and the
// run record; otherwise the existing running run is returned.
func (e *EtcdStore) CreateRunIfNoneRunning(ctx context.Context, run TestRun) (TestRun, bool, error) {
	payload, err := json.Marshal(run)
	if err != nil {
		return TestRun{}, false, fmt.Errorf("encode run: %w", err)
	}

	marker := e.markerKey(run.Type)
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(marker), "=", 0)).
		Then(
			clientv3.OpPut(marker, run.ID),
			clientv3.OpPut(e.runKey(run.ID), string(payload)),
		).
		Else(clientv3.OpGet(marker)).
		Commit()
	if err != nil {
		return TestRun{}, false, fmt.Errorf("conditional insert: %w", err)
	}

	if resp.Succeeded {
		return run, true, nil
	}

	getResp := resp.Responses[0].GetResponseRange()
	if len(getResp.Kvs) == 0 {
		// Marker vanished between the comparison and the read; the
		// caller retries by issuing a fresh request.
		return TestRun{}, false, errors.New("running marker disappeared during insert")
	}
	existing, err := e.GetRun(ctx, string(getResp.Kvs[0].Value))
	if err != nil {
		return TestRun{}, false, fmt.Errorf("load existing running record: %w", err)
	}
	return existing, false, nil
}

// UpdateRun implements Store. Leaving the running status releases the
// type marker in the same transaction, but only when this run owns it.
func (e *EtcdStore) UpdateRun(ctx context.Context, run TestRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}

	key := e.runKey(run.ID)
	existsResp, err := e.client.Get(ctx, key, clientv3.WithCountOnly())
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if existsResp.Count == 0 {
		return ErrNotFound
	}

	if _, err := e.client.Put(ctx, key, string(payload)); err != nil {
		return fmt.Errorf("store run: %w", err)
	}

	if run.Status != StatusRunning {
		marker := e.markerKey(run.Type)
		_, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.Value(marker), "=", run.ID)).
			Then(clientv3.OpDelete(marker)).
			Commit()
		if err != nil {
			return fmt.Errorf("release running marker: %w", err)
		}
	}
	return nil
}

// GetRun implements Store.
func (e *EtcdStore) GetRun(ctx context.Context, id string) (TestRun, error) {
	resp, err := e.client.Get(clientv3.WithRequireLeader(ctx), e.runKey(id))
	if err != nil {
		return TestRun{}, fmt.Errorf("read run %s: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return TestRun{}, ErrNotFound
	}

	var run TestRun
	if err := json.Unmarshal(resp.Kvs[0].Value, &run); err != nil {
		return TestRun{}, fmt.Errorf("decode run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns implements Store.
func (e *EtcdStore) ListRuns(ctx context.Context, filter RunFilter) ([]TestRun, error) {
	resp, err := e.client.Get(clientv3.WithRequireLeader(ctx), e.prefix+"/runs/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	type ordered struct {
		run TestRun
		rev int64
	}
	matched := make([]ordered, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var run TestRun
		if err := json.Unmarshal(kv.Value, &run); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", string(kv.Key), err)
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Type != "" && run.Type != filter.Type {
			continue
		}
		matched = append(matched, ordered{run: run, rev: kv.CreateRevision})
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].rev > matched[j].rev })

	runs := make([]TestRun, 0, len(matched))
	for _, entry := range matched {
		if filter.Limit > 0 && len(runs) >= filter.Limit {
			break
		}
		runs = append(runs, entry.run)
	}
	return runs, nil
}

// CreateRCARecord implements Store.
func (e *EtcdStore) CreateRCARecord(ctx context.Context, rec RCARecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode rca record: %w", err)
	}
	if _, err := e.client.Put(ctx, e.rcaKey(rec.TestID), string(payload)); err != nil {
		return fmt.Errorf("store rca record: %w", err)
	}
	return nil
}

// GetRCARecord implements Store.
func (e *EtcdStore) GetRCARecord(ctx context.Context, testID string) (RCARecord, error) {
	resp, err := e.client.Get(clientv3.WithRequireLeader(ctx), e.rcaKey(testID))
	if err != nil {
		return RCARecord{}, fmt.Errorf("read rca record %s: %w", testID, err)
	}
	if len(resp.Kvs) == 0 {
		return RCARecord{}, ErrNotFound
	}

	var rec RCARecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return RCARecord{}, fmt.Errorf("decode rca record %s: %w", testID, err)
	}
	return rec, nil
}

var _ Store = (*EtcdStore)(nil)

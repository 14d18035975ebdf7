package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medchain-labs/custodia/pkg/fanout"
	"github.com/medchain-labs/custodia/pkg/ledger"
	"github.com/medchain-labs/custodia/pkg/metastore"
	"github.com/medchain-labs/custodia/pkg/objectstore"
	"github.com/medchain-labs/custodia/pkg/pipeline"
	"github.com/medchain-labs/custodia/pkg/policy"
	"github.com/medchain-labs/custodia/pkg/types"
)

// fakeObjects keeps plaintext in memory keyed by a synthetic CID. The
// real client is exercised in the objectstore and pipeline tests; here
// only the HTTP mapping is under test.
type fakeObjects struct {
	mu      sync.Mutex
	n       int
	objects map[string][]byte
	meta    map[string]*types.ObjectMetadata
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte), meta: make(map[string]*types.ObjectMetadata)}
}

func (f *fakeObjects) Put(ctx context.Context, plaintext []byte, opts objectstore.PutOptions) (*objectstore.PutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	cid := fmt.Sprintf("fakecid-%d", f.n)
	sum := sha256.Sum256(plaintext)
	hash := hex.EncodeToString(sum[:])
	f.objects[cid] = append([]byte(nil), plaintext...)
	f.meta[cid] = &types.ObjectMetadata{
		FileName:    opts.FileName,
		FileSize:    int64(len(plaintext)),
		MimeType:    opts.MimeType,
		ContentHash: hash,
		ChunkCount:  1,
		ChunkCIDs:   []string{cid},
		KeyID:       opts.KeyID,
		CreatedAt:   time.Now(),
		PinState:    types.PinStatePinned,
	}
	return &objectstore.PutResult{
		PrimaryCID:  cid,
		ContentHash: hash,
		Size:        int64(len(plaintext)),
		KeyID:       opts.KeyID,
		ChunkCount:  1,
	}, nil
}

func (f *fakeObjects) Get(ctx context.Context, primaryCID string, dataKey []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[primaryCID]
	if !ok {
		return nil, objectstore.ErrCIDNotFound
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeObjects) Metadata(ctx context.Context, primaryCID string) (*types.ObjectMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.meta[primaryCID]
	if !ok {
		return nil, objectstore.ErrCIDNotFound
	}
	copied := *meta
	return &copied, nil
}

func (f *fakeObjects) UnpinObject(ctx context.Context, primaryCID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, primaryCID)
	delete(f.meta, primaryCID)
	return nil
}

type fakeKeys struct {
	mu sync.Mutex
	n  int
}

func (f *fakeKeys) Issue(ctx context.Context, owner, purpose string, expiresIn time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("key-%d", f.n), nil
}

func (f *fakeKeys) Unwrap(ctx context.Context, keyID string) ([]byte, error) {
	return bytes.Repeat([]byte{7}, 32), nil
}

func (f *fakeKeys) Revoke(ctx context.Context, keyID string) error { return nil }

func (f *fakeKeys) Describe(keyID string) (*types.DataKey, error) {
	return &types.DataKey{KeyID: keyID, Algorithm: "AES-256-GCM", KeyType: types.KeyTypeSymmetric, IsActive: true}, nil
}

func newTestServer(t *testing.T, readOnly bool) (*httptest.Server, *metastore.Memory) {
	t.Helper()

	fl, err := ledger.OpenFileLedger(t.TempDir(), "custody-channel", 50*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fl.Close() })

	store := metastore.NewMemory()
	engine := policy.New(policy.StaticSource{
		{
			ID:        "allow-record-reads",
			Priority:  1,
			Effect:    types.EffectAllow,
			Subjects:  []string{"*"},
			Actions:   []string{"READ"},
			Resources: []string{"record:*"},
			IsActive:  true,
		},
	}, fl, 50*time.Millisecond)
	fanout.NewConsumer(store, engine, nil).Bind(fl)

	pipe := pipeline.New(newFakeObjects(), &fakeKeys{}, fl, store, engine)
	srv := httptest.NewServer(NewServer(pipe, fl, readOnly).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, method, url, user string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func createRecord(t *testing.T, srv *httptest.Server, payload string) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/records", "d1", map[string]any{
		"patient_id": "p1",
		"title":      "blood panel",
		"file_type":  "PDF",
		"file_name":  "panel.pdf",
		"file":       base64.StdEncoding.EncodeToString([]byte(payload)),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var rec types.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	require.NotEmpty(t, rec.ID)
	return rec.ID
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t, false)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "connected")
}

func TestCreateAndFetchRecord(t *testing.T) {
	srv, _ := newTestServer(t, false)
	id := createRecord(t, srv, "hello")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/records/"+id, "d1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out struct {
		types.Record
		File string `json:"file"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	decoded, err := base64.StdEncoding.DecodeString(out.File)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(decoded))
	assert.Equal(t, types.RecordStatusActive, out.Status)
}

func TestFetchForbiddenForStranger(t *testing.T) {
	srv, _ := newTestServer(t, false)
	id := createRecord(t, srv, "hello")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/records/"+id, "d2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(body), "FORBIDDEN")
}

func TestGrantAndRevokeRoutes(t *testing.T) {
	srv, _ := newTestServer(t, false)
	id := createRecord(t, srv, "hello")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/records/"+id+"/grants", "d1",
		map[string]string{"grantee_id": "d2", "action": "READ"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "tx_id")

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/records/"+id, "d2", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/v1/records/"+id+"/grants/d2", "d1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/records/"+id, "d2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestArchiveRoute(t *testing.T) {
	srv, _ := newTestServer(t, false)
	id := createRecord(t, srv, "hello")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/records/"+id+"/archive", "d1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// second archive conflicts
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/records/"+id+"/archive", "d1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "CONFLICT")
}

func TestListPatientRecords(t *testing.T) {
	srv, _ := newTestServer(t, false)
	createRecord(t, srv, "one")
	createRecord(t, srv, "two")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/patients/p1/records", "d1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Records []types.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Len(t, out.Records, 2)
}

func TestMissingUserHeader(t *testing.T) {
	srv, _ := newTestServer(t, false)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/records", "", map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownRecordDenied(t *testing.T) {
	srv, _ := newTestServer(t, false)

	// Reads of unknown records deny rather than reveal nonexistence;
	// the ledger overlay holds no grant for them.
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/records/does-not-exist", "d1", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(body), "FORBIDDEN")

	// Grants resolve the record first and surface the miss
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/v1/records/does-not-exist/grants", "d1",
		map[string]string{"grantee_id": "d2"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "NOT_FOUND")
}

func TestReadOnlyModeBlocksWrites(t *testing.T) {
	srv, _ := newTestServer(t, true)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/records", "d1", map[string]string{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(body), "write operations not allowed")
}

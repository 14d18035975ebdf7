package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medchain-labs/custodia/pkg/errdefs"
)

func TestCreateRecordSendsUserAndPayload(t *testing.T) {
	var gotUser string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/records", r.URL.Path)
		gotUser = r.Header.Get("X-User-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"record_id": "r1"})
	}))
	defer srv.Close()

	c := New(srv.URL, "d1")
	rec, err := c.CreateRecord(context.Background(), "p1", "panel", "PDF", "panel.pdf", "application/pdf", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "r1", rec.ID)
	assert.Equal(t, "d1", gotUser)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello")), gotBody["file"])
}

func TestGetRecordDecodesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/records/r1", r.URL.Path)
		require.Equal(t, "1", r.URL.Query().Get("verify_chain"))
		json.NewEncoder(w).Encode(map[string]string{
			"record_id": "r1",
			"file":      base64.StdEncoding.EncodeToString([]byte("hello")),
		})
	}))
	defer srv.Close()

	rec, err := New(srv.URL, "d1").GetRecord(context.Background(), "r1", true)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(rec.File))
}

func TestErrorTaxonomyRoundtrips(t *testing.T) {
	cases := []struct {
		kind   string
		status int
		check  func(error) bool
	}{
		{"FORBIDDEN", http.StatusForbidden, errdefs.IsForbidden},
		{"NOT_FOUND", http.StatusNotFound, errdefs.IsNotFound},
		{"CONFLICT", http.StatusConflict, errdefs.IsConflict},
		{"INTEGRITY_VIOLATION", http.StatusConflict, errdefs.IsIntegrityViolation},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(map[string]string{"kind": tc.kind, "message": "nope"})
			}))
			defer srv.Close()

			_, err := New(srv.URL, "d1").GetRecord(context.Background(), "r1", false)
			require.Error(t, err)
			assert.True(t, tc.check(err), "error %v should carry kind %s", err, tc.kind)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestNonJSONErrorBecomesInternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL, "d1").Archive(context.Background(), "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 502")
}

package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/medchain-labs/custodia/pkg/errdefs"
	"github.com/medchain-labs/custodia/pkg/types"
)

const defaultTimeout = 30 * time.Second

// Client talks to a Custodia API server. Every request carries the
// acting user in the X-User-ID header.
type Client struct {
	base string
	user string
	http *http.Client
}

// New builds a client for the server at base, acting as user
func New(base, user string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		user: user,
		http: &http.Client{Timeout: defaultTimeout},
	}
}

// Record is a record header plus its decoded payload on reads. The
// chain fields are filled only when the read asked for verification.
type Record struct {
	types.Record
	File          []byte
	ChainVerified bool
	ChainError    string
}

type createRecordBody struct {
	PatientID   string `json:"patient_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	FileType    string `json:"file_type"`
	FileName    string `json:"file_name"`
	MimeType    string `json:"mime_type"`
	File        string `json:"file"`
}

// CreateRecord uploads a new record payload
func (c *Client) CreateRecord(ctx context.Context, patientID, title, fileType, fileName, mimeType string, file []byte) (*types.Record, error) {
	var rec types.Record
	err := c.do(ctx, http.MethodPost, "/v1/records", createRecordBody{
		PatientID: patientID,
		Title:     title,
		FileType:  fileType,
		FileName:  fileName,
		MimeType:  mimeType,
		File:      base64.StdEncoding.EncodeToString(file),
	}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecord fetches a record and its payload. verifyChain asks the
// server to re-verify the version chain.
func (c *Client) GetRecord(ctx context.Context, recordID string, verifyChain bool) (*Record, error) {
	path := "/v1/records/" + recordID
	if verifyChain {
		path += "?verify_chain=1"
	}
	var out struct {
		types.Record
		File          string `json:"file"`
		ChainVerified bool   `json:"chain_verified"`
		ChainError    string `json:"chain_error"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	file, err := base64.StdEncoding.DecodeString(out.File)
	if err != nil {
		return nil, fmt.Errorf("malformed payload in response: %w", err)
	}
	return &Record{
		Record:        out.Record,
		File:          file,
		ChainVerified: out.ChainVerified,
		ChainError:    out.ChainError,
	}, nil
}

// ListRecords returns the patient's record headers
func (c *Client) ListRecords(ctx context.Context, patientID string) ([]types.Record, error) {
	var out struct {
		Records []types.Record `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/patients/"+patientID+"/records", nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// CreateVersion appends a new payload version
func (c *Client) CreateVersion(ctx context.Context, recordID, fileName string, file []byte) (*types.Record, error) {
	var rec types.Record
	err := c.do(ctx, http.MethodPost, "/v1/records/"+recordID+"/versions", map[string]string{
		"file_name": fileName,
		"file":      base64.StdEncoding.EncodeToString(file),
	}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Grant gives granteeID the action on the record. Returns the ledger
// transaction id.
func (c *Client) Grant(ctx context.Context, recordID, granteeID, action string, expiresAt *time.Time) (string, error) {
	body := map[string]any{"grantee_id": granteeID, "action": action}
	if expiresAt != nil {
		body["expires_at"] = expiresAt
	}
	var out struct {
		TxID string `json:"tx_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/records/"+recordID+"/grants", body, &out); err != nil {
		return "", err
	}
	return out.TxID, nil
}

// Revoke removes every grant granteeID holds on the record
func (c *Client) Revoke(ctx context.Context, recordID, granteeID string) (string, error) {
	var out struct {
		TxID string `json:"tx_id"`
	}
	if err := c.do(ctx, http.MethodDelete, "/v1/records/"+recordID+"/grants/"+granteeID, nil, &out); err != nil {
		return "", err
	}
	return out.TxID, nil
}

// Archive moves the record to ARCHIVED
func (c *Client) Archive(ctx context.Context, recordID string) error {
	return c.do(ctx, http.MethodPost, "/v1/records/"+recordID+"/archive", nil, nil)
}

// Healthy reports whether the server answers its liveness check
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("X-User-ID", c.user)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w: %w", err, errdefs.ErrDependencyUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	return nil
}

// decodeError rebuilds the server's error taxonomy so callers can use
// the errdefs helpers on client-side errors too.
func decodeError(resp *http.Response) error {
	var apiErr apiError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &apiErr); err != nil || apiErr.Kind == "" {
		apiErr.Kind = "INTERNAL"
		apiErr.Message = fmt.Sprintf("http %d", resp.StatusCode)
	}

	sentinel := errdefs.ErrInternal
	switch errdefs.Kind(apiErr.Kind) {
	case errdefs.KindNotFound:
		sentinel = errdefs.ErrNotFound
	case errdefs.KindForbidden:
		sentinel = errdefs.ErrForbidden
	case errdefs.KindConflict:
		sentinel = errdefs.ErrConflict
	case errdefs.KindInvalidInput:
		sentinel = errdefs.ErrInvalidInput
	case errdefs.KindIntegrityViolation:
		sentinel = errdefs.ErrIntegrityViolation
	case errdefs.KindLedgerError:
		sentinel = errdefs.ErrLedger
	case errdefs.KindStorageError:
		sentinel = errdefs.ErrStorage
	case errdefs.KindDependencyUnavailable:
		sentinel = errdefs.ErrDependencyUnavailable
	case errdefs.KindTimeout:
		sentinel = errdefs.ErrTimeout
	}
	return fmt.Errorf("%s: %w", apiErr.Message, sentinel)
}

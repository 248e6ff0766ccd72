package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wisbric/loom/internal/httpserver"
	"github.com/wisbric/loom/pkg/wgkey"
)

// apiClient is the CLI's narrow view of the control plane: enough to
// enroll a device, open a session against a weaver, and tear it down
// again. It implements tunnel.ServerClient so a *Manager can delete
// sessions on its own without the caller threading a client through.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(baseURL, apiKey string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp httpserver.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, errResp.Message, errResp.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s %s: %w", method, path, err)
	}
	return nil
}

type enrollRequest struct {
	Name      string `json:"name"`
	PublicKey string `json:"public_key"`
}

type enrollResponse struct {
	ID     string `json:"id"`
	RawKey string `json:"raw_key"`
}

// EnrollDevice registers the local WireGuard public key as a device owned
// by the caller (spec §4.6 "loom connect" first-run path). It returns the
// device-scoped API key minted alongside it (spec §6: a device's session
// calls authenticate with this key, never with a client-supplied device
// ID), shown only in this response.
func (c *apiClient) EnrollDevice(ctx context.Context, name, publicKeyBase64 string) (deviceID, rawKey string, err error) {
	var resp enrollResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/devices", enrollRequest{Name: name, PublicKey: publicKeyBase64}, &resp); err != nil {
		return "", "", err
	}
	return resp.ID, resp.RawKey, nil
}

type createSessionRequest struct {
	WeaverID string `json:"weaver_id"`
}

type createSessionResponse struct {
	SessionID      string `json:"session_id"`
	ClientIP       string `json:"client_ip"`
	WeaverKey      string `json:"weaver_public_key"`
	WeaverIP       string `json:"weaver_ip"`
	DERPHomeRegion int    `json:"derp_home_region"`
}

// CreateSession opens a session against weaverID, the HTTP counterpart of
// pkg/session.Handler's POST /api/v1/sessions. The caller's device is
// carried implicitly by c.apiKey, which must be a device-scoped key.
func (c *apiClient) CreateSession(ctx context.Context, weaverID string) (createSessionResponse, error) {
	var resp createSessionResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions", createSessionRequest{WeaverID: weaverID}, &resp)
	return resp, err
}

// DeleteSession implements tunnel.ServerClient.
func (c *apiClient) DeleteSession(ctx context.Context, sessionID wgkey.SessionID) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+sessionID.String(), nil, nil)
}

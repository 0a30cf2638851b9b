// Package rpc is the client used by storage/compute nodes to talk to the
// coordination service. It never touches counter files itself - all state
// flows through the owner's HTTP surface, which preserves fencing. A
// NotLeader answer carries an owner hint; the client follows it with a
// bounded number of redirects.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"scarabd/pkg/coorderrors"
)

const (
	defaultTimeout = 3 * time.Second
	maxRedirects   = 3
)

type apiResponse struct {
	Status    string `json:"status"`
	ID        uint64 `json:"id"`
	Value     uint64 `json:"value"`
	Term      uint64 `json:"term"`
	Owner     uint64 `json:"owner"`
	Code      string `json:"code"`
	OwnerHint string `json:"owner_hint"`
	Error     string `json:"error"`
}

type Coordinator struct {
	baseURL string
	client  *http.Client
}

func NewCoordinator(baseURL string) *Coordinator {
	return &Coordinator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// GenerateID requests the next Scarab identifier.
func (c *Coordinator) GenerateID() (uint64, error) {
	resp, err := c.do(http.MethodPost, "/api/id", nil)
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// IncrementCounter adds delta to a named counter and returns the new value.
func (c *Coordinator) IncrementCounter(counter string, delta int64) (uint64, error) {
	form := url.Values{}
	form.Set("counter", counter)
	form.Set("delta", strconv.FormatInt(delta, 10))

	resp, err := c.do(http.MethodPost, "/api/counter/increment", form)
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// GetCounter reads a counter's value, term and owner from its owner node.
func (c *Coordinator) GetCounter(counter string) (value, term, owner uint64, err error) {
	resp, err := c.do(http.MethodGet, "/api/counter?counter="+url.QueryEscape(counter), nil)
	if err != nil {
		return 0, 0, 0, err
	}
	return resp.Value, resp.Term, resp.Owner, nil
}

// AllocateEpoch bumps and returns the epoch of a partition.
func (c *Coordinator) AllocateEpoch(partition string) (uint64, error) {
	form := url.Values{}
	form.Set("partition", partition)

	resp, err := c.do(http.MethodPost, "/api/epoch", form)
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

func (c *Coordinator) do(method, path string, form url.Values) (apiResponse, error) {
	base := c.baseURL
	var last apiResponse

	for attempt := 0; attempt <= maxRedirects; attempt++ {
		resp, err := c.roundTrip(method, base, path, form)
		if err != nil {
			return apiResponse{}, err
		}
		last = resp

		if resp.Code == "" {
			return resp, nil
		}

		// Mis-routed: retry against the hinted owner.
		if resp.Code == "not_leader" && resp.OwnerHint != "" && resp.OwnerHint != base {
			base = strings.TrimRight(resp.OwnerHint, "/")
			continue
		}
		return apiResponse{}, decodeError(resp)
	}

	return apiResponse{}, fmt.Errorf("%w: gave up after %d owner redirects",
		decodeError(last), maxRedirects)
}

func (c *Coordinator) roundTrip(method, base, path string, form url.Values) (apiResponse, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return apiResponse{}, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apiResponse{}, fmt.Errorf("%s failed: %w", method, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiResponse{}, err
	}

	var ar apiResponse
	if err := json.Unmarshal(b, &ar); err != nil {
		return apiResponse{}, fmt.Errorf("decode: %w body=%s", err, string(b))
	}
	return ar, nil
}

// decodeError maps wire codes back onto the typed taxonomy.
func decodeError(resp apiResponse) error {
	switch resp.Code {
	case "not_leader":
		return &coorderrors.NotLeaderError{Owner: resp.Owner, OwnerHint: resp.OwnerHint}
	case "unavailable":
		return fmt.Errorf("%w: %s", coorderrors.ErrUnavailable, resp.Error)
	case "storage_corruption":
		return fmt.Errorf("%w: %s", coorderrors.ErrStorageCorruption, resp.Error)
	case "resource_exhausted":
		return fmt.Errorf("%w: %s", coorderrors.ErrResourceExhausted, resp.Error)
	case "invalid_argument":
		return fmt.Errorf("%w: %s", coorderrors.ErrInvalidArgument, resp.Error)
	case "not_found":
		return fmt.Errorf("%w: %s", coorderrors.ErrNotFound, resp.Error)
	case "":
		return errors.New(resp.Error)
	default:
		return fmt.Errorf("server error %s: %s", resp.Code, resp.Error)
	}
}

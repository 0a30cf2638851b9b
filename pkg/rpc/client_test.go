package rpc

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"scarabd/pkg/coorderrors"
)

func jsonHandler(status int, resp apiResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestGenerateID_Success(t *testing.T) {
	ts := httptest.NewServer(jsonHandler(http.StatusOK, apiResponse{Status: "success", ID: 12345}))
	defer ts.Close()

	c := NewCoordinator(ts.URL)
	id, err := c.GenerateID()
	if err != nil {
		t.Fatalf("GenerateID failed: %v", err)
	}
	if id != 12345 {
		t.Fatalf("expected id 12345, got %d", id)
	}
}

func TestIncrementCounter_FollowsOwnerHint(t *testing.T) {
	// owner answers with the value
	owner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("owner failed to parse form: %v", err)
		}
		if got := r.FormValue("counter"); got != "session-seq" {
			t.Errorf("owner got wrong counter: %q", got)
		}
		jsonHandler(http.StatusOK, apiResponse{Status: "success", Value: 7})(w, r)
	}))
	defer owner.Close()

	// first node redirects to the owner
	stale := httptest.NewServer(jsonHandler(http.StatusMisdirectedRequest, apiResponse{
		Status:    "error",
		Code:      "not_leader",
		Owner:     2,
		OwnerHint: owner.URL,
	}))
	defer stale.Close()

	c := NewCoordinator(stale.URL)
	v, err := c.IncrementCounter("session-seq", 1)
	if err != nil {
		t.Fatalf("IncrementCounter failed: %v", err)
	}
	if v != 7 {
		t.Fatalf("expected value 7, got %d", v)
	}
}

func TestIncrementCounter_GivesUpAfterRedirectLoop(t *testing.T) {
	// the hint always points back at the same stale node
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonHandler(http.StatusMisdirectedRequest, apiResponse{
			Status:    "error",
			Code:      "not_leader",
			Owner:     2,
			OwnerHint: ts.URL + "/loop", // never resolves to a leader
		})(w, r)
	}))
	defer ts.Close()

	c := NewCoordinator(ts.URL)
	_, err := c.IncrementCounter("session-seq", 1)
	if err == nil {
		t.Fatal("expected redirect loop to fail")
	}
	var nl *coorderrors.NotLeaderError
	if !errors.As(err, &nl) {
		t.Fatalf("expected NotLeaderError after giving up, got %v", err)
	}
}

func TestGetCounter_DecodesSnapshot(t *testing.T) {
	ts := httptest.NewServer(jsonHandler(http.StatusOK, apiResponse{
		Status: "success", Value: 10, Term: 3, Owner: 1,
	}))
	defer ts.Close()

	c := NewCoordinator(ts.URL)
	value, term, owner, err := c.GetCounter("epoch/p1")
	if err != nil {
		t.Fatalf("GetCounter failed: %v", err)
	}
	if value != 10 || term != 3 || owner != 1 {
		t.Fatalf("unexpected snapshot: %d %d %d", value, term, owner)
	}
}

func TestErrorCodes_MapToTaxonomy(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"unavailable", coorderrors.ErrUnavailable},
		{"storage_corruption", coorderrors.ErrStorageCorruption},
		{"resource_exhausted", coorderrors.ErrResourceExhausted},
		{"invalid_argument", coorderrors.ErrInvalidArgument},
		{"not_found", coorderrors.ErrNotFound},
	}

	for _, tc := range cases {
		ts := httptest.NewServer(jsonHandler(http.StatusInternalServerError, apiResponse{
			Status: "error",
			Code:   tc.code,
			Error:  "boom",
		}))

		c := NewCoordinator(ts.URL)
		_, err := c.GenerateID()
		if !errors.Is(err, tc.want) {
			ts.Close()
			t.Fatalf("code %q: expected %v, got %v", tc.code, tc.want, err)
		}
		ts.Close()
	}
}

func TestAllocateEpoch(t *testing.T) {
	ts := httptest.NewServer(jsonHandler(http.StatusOK, apiResponse{Status: "success", Value: 2}))
	defer ts.Close()

	c := NewCoordinator(ts.URL)
	epoch, err := c.AllocateEpoch("p1")
	if err != nil {
		t.Fatalf("AllocateEpoch failed: %v", err)
	}
	if epoch != 2 {
		t.Fatalf("expected epoch 2, got %d", epoch)
	}
}

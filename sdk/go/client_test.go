package briefcastsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunStageSendsBearerAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v0/workers/narrate" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		_ = json.NewEncoder(w).Encode(RunResult{Success: true, ProcessedCount: 2, Errors: []string{}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	res, err := c.RunStage(context.Background(), "narrate")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success || res.ProcessedCount != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunStageFailureKeepsSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(RunResult{Success: false, Errors: []string{"select eligible: database is locked"}})
	}))
	defer srv.Close()

	res, err := New(srv.URL).RunStage(context.Background(), "shape")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 api error, got %v", err)
	}
	if res.Success || len(res.Errors) != 1 {
		t.Fatalf("expected summary to be decoded, got %+v", res)
	}
}

func TestListRecordsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/v0/records" || q.Get("status") != "stage2_failed" || q.Get("limit") != "5" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		if q.Has("category") {
			t.Errorf("empty filters should be omitted")
		}
		_, _ = w.Write([]byte(`{"items":[{"id":"r1","status":"stage2_failed","retry_count":3}]}`))
	}))
	defer srv.Close()

	recs, err := New(srv.URL).ListRecords(context.Background(), RecordQuery{Status: "stage2_failed", Limit: 5})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "r1" || recs[0].RetryCount != 3 {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestAddRecordAndNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/records":
			var in NewRecord
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				t.Errorf("decode: %v", err)
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Record{ID: "new", Category: in.Category, Status: "ready_for_stage1"})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"record not found"}}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BasePath = "api"
	rec, err := c.AddRecord(context.Background(), NewRecord{Category: "news", TargetDate: "2026-05-05"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if rec.ID != "new" || rec.Category != "news" {
		t.Fatalf("unexpected record %+v", rec)
	}
	_, err = c.GetRecord(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

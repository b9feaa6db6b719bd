package locklinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsTokenAndDecodesTask(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotAuth = r.URL.Path, r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":4,"project_id":2,"status":"MAPPED","is_square":false}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", 2, "tok")
	task, err := c.Unlock(context.Background(), 4, "MAPPED", "done", []MappingIssue{{CategoryID: 1, Issue: "roads", Count: 2}})
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if gotPath != "/v1/projects/2/tasks/4/unlock" || gotAuth != "Bearer tok" {
		t.Fatalf("path=%s auth=%s", gotPath, gotAuth)
	}
	if gotBody["status"] != "MAPPED" || gotBody["comment"] != "done" {
		t.Fatalf("body = %v", gotBody)
	}
	if task.ID != 4 || task.Status != "MAPPED" {
		t.Fatalf("task = %+v", task)
	}
}

func TestClientDecodesErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"already_locked","message":"task already locked"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, 1, "").LockForMapping(context.Background(), 9)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "already_locked" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestEventsPageQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"items":[{"id":3,"type":"task.unlocked"}],"next_cursor":"3"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL, 5, "").EventsPage(context.Background(), 1, "2")
	if err != nil {
		t.Fatal(err)
	}
	if gotQuery != "cursor=2&limit=1" || len(page.Items) != 1 || page.NextCursor != "3" {
		t.Fatalf("query=%s page=%+v", gotQuery, page)
	}
}

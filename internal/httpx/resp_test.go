package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

var errTestInternal = errors.New("connection refused")

func serve(t *testing.T, handler gin.HandlerFunc) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", handler)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/x", nil)
	r.ServeHTTP(w, req)

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal envelope: %v", err)
	}
	return w, resp
}

func TestOK(t *testing.T) {
	w, resp := serve(t, func(c *gin.Context) {
		OK(c, gin.H{"agent_id": "abc"})
	})

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if resp.Code != CodeSuccess || resp.Message != "success" {
		t.Errorf("envelope = %d/%q", resp.Code, resp.Message)
	}
	if resp.Data == nil {
		t.Error("data should survive the round trip")
	}
}

func TestOKMsg(t *testing.T) {
	_, resp := serve(t, func(c *gin.Context) {
		OKMsg(c, "已清理", gin.H{"deleted": 3})
	})

	if resp.Code != CodeSuccess {
		t.Errorf("code = %d, want %d", resp.Code, CodeSuccess)
	}
	if resp.Message != "已清理" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestFail(t *testing.T) {
	w, resp := serve(t, func(c *gin.Context) {
		Fail(c, http.StatusBadRequest, CodeParamMissing, "agent_id required")
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if resp.Code != CodeParamMissing || resp.Message != "agent_id required" {
		t.Errorf("envelope = %d/%q", resp.Code, resp.Message)
	}
	if resp.Data != nil {
		t.Error("error envelope must carry nil data")
	}
}

func TestFailErr(t *testing.T) {
	w, resp := serve(t, func(c *gin.Context) {
		FailErr(c, ErrNotFound("agent不存在"))
	})

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if resp.Code != CodeNotFound || resp.Message != "agent不存在" {
		t.Errorf("envelope = %d/%q", resp.Code, resp.Message)
	}
}

func TestFailErr_InternalErrorNotLeaked(t *testing.T) {
	w, resp := serve(t, func(c *gin.Context) {
		FailErr(c, ErrDatabaseError("query failed", errTestInternal))
	})

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	// The wrapped cause is logged, never serialized.
	if resp.Message != "query failed" {
		t.Errorf("message = %q, internal detail must not leak", resp.Message)
	}
}

func TestOKItems(t *testing.T) {
	_, resp := serve(t, func(c *gin.Context) {
		OKItems(c, []string{"a", "b"}, 42, 2, 20)
	})

	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T, want object", resp.Data)
	}
	if data["total"].(float64) != 42 || data["page"].(float64) != 2 || data["pageSize"].(float64) != 20 {
		t.Errorf("paging = %v", data)
	}
}

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ollama/ollama/api"

	"quizgen/pkg/contract"
)

type fakeChat struct {
	got   *api.ChatRequest
	parts []string
	err   error
}

func (f *fakeChat) Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error {
	f.got = req
	if f.err != nil {
		return f.err
	}
	for _, p := range f.parts {
		if err := fn(api.ChatResponse{Message: api.Message{Role: "assistant", Content: p}}); err != nil {
			return err
		}
	}
	return nil
}

func newClient(t *testing.T, raw string, fc *fakeChat) *Client {
	t.Helper()
	c, err := New(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cl := c.(*Client)
	cl.api = fc
	return cl
}

// TestInvokeRequest 请求形状：非流式、schema 进入 format、选项透传
func TestInvokeRequest(t *testing.T) {
	fc := &fakeChat{parts: []string{"[", "]"}}
	c := newClient(t, `{"host":"http://localhost:11434","model":"m","temperature":0.4,"num_predict":2048}`, fc)
	p := contract.ChatPrompt{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "text"},
		{Role: contract.RoleJSONSchema, Content: `{"type":"array"}`},
	}
	raw, err := c.Invoke(context.Background(), contract.Job{}, p)
	if err != nil || raw.Text != "[]" {
		t.Fatalf("invoke: %v %q", err, raw.Text)
	}
	req := fc.got
	if req.Model != "m" || req.Stream == nil || *req.Stream || len(req.Messages) != 2 {
		t.Fatalf("请求错误: %+v", req)
	}
	if string(req.Format) != `{"type":"array"}` {
		t.Fatalf("schema 应进入 format: %s", req.Format)
	}
	if req.Options["temperature"] != 0.4 || req.Options["num_predict"] != 2048 {
		t.Fatalf("选项透传错误: %v", req.Options)
	}
}

// TestJSONModeAndEmpty format=json 与空响应
func TestJSONModeAndEmpty(t *testing.T) {
	fc := &fakeChat{parts: []string{"  "}}
	c := newClient(t, `{"json_mode":true}`, fc)
	_, err := c.Invoke(context.Background(), contract.Job{}, contract.TextPrompt("x"))
	if !errors.Is(err, contract.ErrResponseInvalid) {
		t.Fatalf("空响应应为 ErrResponseInvalid, got %v", err)
	}
	if string(fc.got.Format) != `"json"` {
		t.Fatalf("json_mode 未生效: %s", fc.got.Format)
	}
	if _, err := c.Invoke(context.Background(), contract.Job{}, 1); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("未知 Prompt 类型应报错")
	}
}

// TestStatusMapping 上游状态码分类
func TestStatusMapping(t *testing.T) {
	cases := []struct {
		code  int
		check func(error) bool
	}{
		{429, func(err error) bool { return errors.Is(err, contract.ErrRateLimited) }},
		{404, func(err error) bool { return errors.Is(err, contract.ErrInvalidInput) }},
		{500, func(err error) bool {
			var ue contract.UpstreamError
			return errors.As(err, &ue) && ue.UpstreamStatus() == 500
		}},
	}
	for _, tc := range cases {
		c := newClient(t, `{}`, &fakeChat{err: api.StatusError{StatusCode: tc.code, ErrorMessage: "x"}})
		_, err := c.Invoke(context.Background(), contract.Job{}, contract.TextPrompt("x"))
		if !tc.check(err) {
			t.Fatalf("status %d 分类错误: %v", tc.code, err)
		}
	}
}

// TestRealClientOverHTTP 经由 api.Client 访问 httptest 服务
func TestRealClientOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req api.ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "m" {
			t.Errorf("model = %s", req.Model)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"m","message":{"role":"assistant","content":"[{\"question\":\"q\"}]"},"done":true}` + "\n"))
	}))
	defer srv.Close()
	c, err := New(json.RawMessage(`{"host":"` + srv.URL + `","model":"m"}`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	raw, err := c.Invoke(context.Background(), contract.Job{}, contract.TextPrompt("hi"))
	if err != nil || raw.Text != `[{"question":"q"}]` {
		t.Fatalf("invoke: %v %q", err, raw.Text)
	}
}

// TestBadHost 非法地址
func TestBadHost(t *testing.T) {
	if _, err := New(json.RawMessage(`{"host":"::bad"}`)); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("非法 host 应报错")
	}
}

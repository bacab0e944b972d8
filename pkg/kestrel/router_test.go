package kestrel

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/kestrel-http/kestrel/internal/h2/stream"
	"github.com/kestrel-http/kestrel/internal/ws"
)

func TestRouter_AddRoute(t *testing.T) {
	router := NewRouter()

	called := false
	handler := HandlerFunc(func(_ *Context) error {
		called = true
		return nil
	})

	router.GET("/test", handler)

	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/test")

	ctx := newContext(context.Background(), s, nil)
	_ = router.ServeHTTP2(ctx)

	if !called {
		t.Error("Expected handler to be called")
	}
}

func TestRouter_Parameters(t *testing.T) {
	router := NewRouter()

	var capturedID string
	handler := HandlerFunc(func(ctx *Context) error {
		capturedID = Param(ctx, "id")
		return nil
	})

	router.GET("/users/{id}", handler)

	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/users/123")

	ctx := newContext(context.Background(), s, nil)
	_ = router.ServeHTTP2(ctx)

	if capturedID != "123" {
		t.Errorf("Expected id '123', got %s", capturedID)
	}
}

func TestRouter_NotFound(t *testing.T) {
	router := NewRouter()

	called := false
	router.NotFound(HandlerFunc(func(ctx *Context) error {
		called = true
		return ctx.String(404, "Not Found")
	}))

	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/nonexistent")

	ctx := newContext(context.Background(), s, nil)
	_ = router.ServeHTTP2(ctx)

	if !called {
		t.Error("Expected not found handler to be called")
	}
}

func TestRouter_Middleware(t *testing.T) {
	router := NewRouter()

	middlewareCalled := false
	middleware := func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			middlewareCalled = true
			return next.ServeHTTP2(ctx)
		})
	}

	router.Use(middleware)

	handlerCalled := false
	handler := HandlerFunc(func(_ *Context) error {
		handlerCalled = true
		return nil
	})

	router.GET("/test", handler)

	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/test")

	ctx := newContext(context.Background(), s, nil)
	_ = router.ServeHTTP2(ctx)

	if !middlewareCalled {
		t.Error("Expected middleware to be called")
	}

	if !handlerCalled {
		t.Error("Expected handler to be called")
	}
}

func TestRouter_Group(t *testing.T) {
	router := NewRouter()

	group := router.Group("/api")

	called := false
	handler := HandlerFunc(func(_ *Context) error {
		called = true
		return nil
	})

	group.GET("/users", handler)

	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/api/users")

	ctx := newContext(context.Background(), s, nil)
	_ = router.ServeHTTP2(ctx)

	if !called {
		t.Error("Expected handler to be called")
	}
}

func TestRouter_Wildcard(t *testing.T) {
	router := NewRouter()

	var capturedPath string
	handler := HandlerFunc(func(ctx *Context) error {
		capturedPath = Param(ctx, "path")
		return nil
	})

	router.GET("/files/{path:path}", handler)

	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/files/docs/test.pdf")

	ctx := newContext(context.Background(), s, nil)
	_ = router.ServeHTTP2(ctx)

	if capturedPath != "docs/test.pdf" {
		t.Errorf("Expected path 'docs/test.pdf', got %s", capturedPath)
	}
}

func BenchmarkRouter_StaticRoute(b *testing.B) {
	router := NewRouter()

	handler := HandlerFunc(func(_ *Context) error {
		return nil
	})

	router.GET("/test", handler)

	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/test")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctx := newContext(context.Background(), s, nil)
		_ = router.ServeHTTP2(ctx)
	}
}

func BenchmarkRouter_ParameterRoute(b *testing.B) {
	router := NewRouter()

	handler := HandlerFunc(func(ctx *Context) error {
		_ = Param(ctx, "id")
		return nil
	})

	router.GET("/users/{id}", handler)

	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/users/123")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctx := newContext(context.Background(), s, nil)
		_ = router.ServeHTTP2(ctx)
	}
}

// Tests for error handling

func TestHTTPError_Creation(t *testing.T) {
	err := NewHTTPError(404, "Not Found")

	if err.Code != 404 {
		t.Errorf("Expected code 404, got %d", err.Code)
	}

	if err.Message != "Not Found" {
		t.Errorf("Expected message 'Not Found', got %s", err.Message)
	}

	if err.Error() != "Not Found" {
		t.Errorf("Expected Error() to return message, got %s", err.Error())
	}
}

func TestHTTPError_WithDetails(t *testing.T) {
	details := map[string]string{"field": "email", "issue": "invalid"}
	err := NewHTTPError(400, "Validation failed").WithDetails(details)

	if err.Details == nil {
		t.Error("Expected details to be set")
	}

	detailsMap, ok := err.Details.(map[string]string)
	if !ok {
		t.Error("Expected details to be map[string]string")
	}

	if detailsMap["field"] != "email" {
		t.Error("Expected field detail")
	}
}

func TestDefaultErrorHandler_HTTPError(t *testing.T) {
	s := stream.NewStream(1)
	ctx := newContext(context.Background(), s, nil)

	err := NewHTTPError(400, "Bad Request")
	handlerErr := DefaultErrorHandler(ctx, err)

	if handlerErr != nil {
		t.Errorf("DefaultErrorHandler error: %v", handlerErr)
	}

	if ctx.Status() != 400 {
		t.Errorf("Expected status 400, got %d", ctx.Status())
	}
}

func TestDefaultErrorHandler_HTTPError_JSON(t *testing.T) {
	t.Skip("Accept header parsing requires full stream setup - tested in integration tests")
	s := stream.NewStream(1)
	s.AddHeader("accept", "application/json")
	ctx := newContext(context.Background(), s, nil)

	err := NewHTTPError(404, "Not Found")
	handlerErr := DefaultErrorHandler(ctx, err)

	if handlerErr != nil {
		t.Errorf("DefaultErrorHandler error: %v", handlerErr)
	}

	if ctx.responseHeaders.Get("content-type") != "application/json" {
		t.Error("Expected JSON content-type")
	}
}

func TestDefaultErrorHandler_GenericError(t *testing.T) {
	s := stream.NewStream(1)
	ctx := newContext(context.Background(), s, nil)

	err := fmt.Errorf("generic error")
	handlerErr := DefaultErrorHandler(ctx, err)

	if handlerErr != nil {
		t.Errorf("DefaultErrorHandler error: %v", handlerErr)
	}

	if ctx.Status() != 500 {
		t.Errorf("Expected status 500, got %d", ctx.Status())
	}
}

func TestRouter_ErrorHandler(t *testing.T) {
	router := NewRouter()

	customCalled := false
	router.ErrorHandler(func(ctx *Context, _ error) error {
		customCalled = true
		return ctx.String(418, "I'm a teapot")
	})

	router.GET("/error", func(_ *Context) error {
		return fmt.Errorf("test error")
	})

	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/error")

	writeResponseFunc := func(_ uint32, _ int, _ [][2]string, _ []byte) error {
		return nil
	}

	ctx := newContext(context.Background(), s, writeResponseFunc)

	_ = router.ServeHTTP2(ctx)

	if !customCalled {
		t.Error("Expected custom error handler to be called")
	}
}

func TestRouter_Static(t *testing.T) {
	router := NewRouter()

	// Create temp directory for testing
	tmpDir := t.TempDir()
	testFile := tmpDir + "/test.txt"
	if err := os.WriteFile(testFile, []byte("test content"), 0600); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	router.Static("/static", tmpDir)

	// Test accessing static file
	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/static/test.txt")

	writeResponseFunc := func(_ uint32, status int, _ [][2]string, body []byte) error {
		if status != 200 {
			t.Errorf("Expected status 200, got %d", status)
		}
		if string(body) != "test content" {
			t.Errorf("Expected body 'test content', got %s", string(body))
		}
		return nil
	}

	ctx := newContext(context.Background(), s, writeResponseFunc)

	err := router.ServeHTTP2(ctx)
	if err != nil {
		t.Errorf("ServeHTTP2() error = %v", err)
	}
}

func TestRouter_TypedIntParam(t *testing.T) {
	router := NewRouter()

	var captured string
	router.GET("/users/{id:int}", HandlerFunc(func(ctx *Context) error {
		captured = Param(ctx, "id")
		return nil
	}))

	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/users/42")

	ctx := newContext(context.Background(), s, nil)
	_ = router.ServeHTTP2(ctx)

	if captured != "42" {
		t.Errorf("Expected id '42', got %s", captured)
	}
}

func TestRouter_RouteTemplate(t *testing.T) {
	router := NewRouter()

	var captured string
	router.GET("/users/{id:int}", HandlerFunc(func(ctx *Context) error {
		captured = ctx.RouteTemplate()
		return nil
	}))

	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/users/42")

	ctx := newContext(context.Background(), s, nil)
	_ = router.ServeHTTP2(ctx)

	if captured != "/users/{id:int}" {
		t.Errorf("RouteTemplate() = %q, want %q", captured, "/users/{id:int}")
	}
}

func TestRouter_RouteTemplate_EmptyOnNotFound(t *testing.T) {
	router := NewRouter()

	var captured string
	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/missing")

	ctx := newContext(context.Background(), s, nil)
	_ = router.ServeHTTP2(ctx)
	captured = ctx.RouteTemplate()

	if captured != "" {
		t.Errorf("RouteTemplate() = %q, want empty on 404", captured)
	}
}

func TestRouter_TypedIntRejectsNonDigits(t *testing.T) {
	router := NewRouter()

	router.GET("/users/{id:int}", HandlerFunc(func(_ *Context) error {
		return nil
	}))

	var status int
	writeResponseFunc := func(_ uint32, s int, _ [][2]string, _ []byte) error {
		status = s
		return nil
	}

	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/users/abc")

	ctx := newContext(context.Background(), s, writeResponseFunc)
	_ = router.ServeHTTP2(ctx)

	if status != 404 {
		t.Errorf("Expected 404 for non-digit int segment, got %d", status)
	}
}

func TestRouter_LiteralBeatsTypedParam(t *testing.T) {
	router := NewRouter()

	var which string
	router.GET("/users/me", HandlerFunc(func(_ *Context) error {
		which = "literal"
		return nil
	}))
	router.GET("/users/{id}", HandlerFunc(func(_ *Context) error {
		which = "param"
		return nil
	}))

	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/users/me")

	ctx := newContext(context.Background(), s, nil)
	_ = router.ServeHTTP2(ctx)

	if which != "literal" {
		t.Errorf("Expected literal segment to win over typed parameter, got %q", which)
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	router := NewRouter()

	router.GET("/widgets", HandlerFunc(func(_ *Context) error { return nil }))
	router.POST("/widgets", HandlerFunc(func(_ *Context) error { return nil }))

	var status int
	var allowHeader string
	writeResponseFunc := func(_ uint32, s int, headers [][2]string, _ []byte) error {
		status = s
		for _, h := range headers {
			if strings.EqualFold(h[0], "Allow") {
				allowHeader = h[1]
			}
		}
		return nil
	}

	s := stream.NewStream(1)
	s.AddHeader(":method", "DELETE")
	s.AddHeader(":path", "/widgets")

	ctx := newContext(context.Background(), s, writeResponseFunc)
	_ = router.ServeHTTP2(ctx)

	if status != 405 {
		t.Errorf("Expected 405, got %d", status)
	}
	if !strings.Contains(allowHeader, "GET") || !strings.Contains(allowHeader, "POST") {
		t.Errorf("Expected Allow header to contain GET and POST, got %q", allowHeader)
	}
}

func TestRouter_MethodNotAllowed_ExcludesWebSocketMethod(t *testing.T) {
	router := NewRouter()

	router.GET("/chat", HandlerFunc(func(_ *Context) error { return nil }))
	router.WebSocket("/chat", func(_ *ws.Connection, _ ws.Opcode, _ []byte) error { return nil })

	var status int
	var allowHeader string
	writeResponseFunc := func(_ uint32, s int, headers [][2]string, _ []byte) error {
		status = s
		for _, h := range headers {
			if strings.EqualFold(h[0], "Allow") {
				allowHeader = h[1]
			}
		}
		return nil
	}

	s := stream.NewStream(1)
	s.AddHeader(":method", "DELETE")
	s.AddHeader(":path", "/chat")

	ctx := newContext(context.Background(), s, writeResponseFunc)
	_ = router.ServeHTTP2(ctx)

	if status != 405 {
		t.Errorf("Expected 405, got %d", status)
	}
	if strings.Contains(allowHeader, "WS") {
		t.Errorf("Allow header must not expose the internal WebSocket method key, got %q", allowHeader)
	}
	if !strings.Contains(allowHeader, "GET") {
		t.Errorf("Expected Allow header to contain GET, got %q", allowHeader)
	}
}

func TestRouter_RouteConflictPanics(t *testing.T) {
	router := NewRouter()
	router.GET("/dup", HandlerFunc(func(_ *Context) error { return nil }))

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Expected panic on duplicate route registration")
		}
		if _, ok := r.(*RouteConflictError); !ok {
			t.Errorf("Expected *RouteConflictError, got %T", r)
		}
	}()

	router.GET("/dup", HandlerFunc(func(_ *Context) error { return nil }))
}

func TestRouter_PercentDecodedSegmentDoesNotSplit(t *testing.T) {
	router := NewRouter()

	var captured string
	router.GET("/files/{name}", HandlerFunc(func(ctx *Context) error {
		captured = Param(ctx, "name")
		return nil
	}))

	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/files/a%2Fb")

	ctx := newContext(context.Background(), s, nil)
	_ = router.ServeHTTP2(ctx)

	if captured != "a/b" {
		t.Errorf("Expected decoded segment 'a/b', got %q", captured)
	}
}

func TestRouter_OnExceptionMostSpecific(t *testing.T) {
	router := NewRouter()

	router.OnException("", "", func(ctx *Context, _ error) error {
		return ctx.String(500, "global")
	})
	router.OnException("/boom", "http:400", func(ctx *Context, _ error) error {
		return ctx.String(400, "specific")
	})

	router.GET("/boom", HandlerFunc(func(_ *Context) error {
		return NewHTTPError(400, "bad")
	}))

	var status int
	writeResponseFunc := func(_ uint32, s int, _ [][2]string, _ []byte) error {
		status = s
		return nil
	}

	s := stream.NewStream(1)
	s.AddHeader(":method", "GET")
	s.AddHeader(":path", "/boom")

	ctx := newContext(context.Background(), s, writeResponseFunc)
	_ = router.ServeHTTP2(ctx)

	if status != 400 {
		t.Errorf("Expected most-specific exception handler (400), got %d", status)
	}
}

func TestRouter_WebSocketRegistrationAndLookup(t *testing.T) {
	router := NewRouter()

	var gotOpcode ws.Opcode
	var gotPayload []byte
	router.WebSocket("/rooms/{id}/chat", func(_ *ws.Connection, opcode ws.Opcode, payload []byte) error {
		gotOpcode = opcode
		gotPayload = payload
		return nil
	})

	handler, ok := router.FindWebSocket("/rooms/42/chat")
	if !ok {
		t.Fatal("Expected FindWebSocket to match registered template")
	}

	if err := handler(nil, ws.OpText, []byte("hi")); err != nil {
		t.Fatalf("handler() error = %v", err)
	}
	if gotOpcode != ws.OpText || string(gotPayload) != "hi" {
		t.Errorf("handler invoked with unexpected args: opcode=%v payload=%q", gotOpcode, gotPayload)
	}
}

func TestRouter_FindWebSocket_NoMatch(t *testing.T) {
	router := NewRouter()
	router.GET("/rooms/{id}/chat", HandlerFunc(func(_ *Context) error { return nil }))

	if _, ok := router.FindWebSocket("/rooms/42/chat"); ok {
		t.Error("Expected FindWebSocket to not match an HTTP-only route")
	}
}

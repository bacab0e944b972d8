package kestrel

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/kestrel-http/kestrel/internal/ws"
)

// Router implements HTTP request routing with support for typed parameters,
// middleware, and groups.
type Router struct {
	trees        map[string]*routeNode
	templates    map[string]map[string]bool // method -> template -> registered
	middlewares  []Middleware
	notFound     Handler
	errorHandler ErrorHandler
	exceptions   map[exceptionKey]ExceptionHandler
}

// ErrorHandler defines a function type for handling errors returned by HTTP handlers.
type ErrorHandler func(ctx *Context, err error) error

// ExceptionHandler is the more specific, route-and-kind-scoped counterpart of
// ErrorHandler used by OnException.
type ExceptionHandler func(ctx *Context, err error) error

type exceptionKey struct {
	route string // "" means global
	kind  string // "" means any kind
}

// paramKind distinguishes the typed-parameter classes a path segment can be.
// Declaration order here doubles as matching priority: literal beats every
// paramKind, and lower paramKind values are tried before higher ones.
type paramKind int

const (
	kindInt paramKind = iota
	kindStr
	kindPath
)

type routeNode struct {
	// literal children, keyed by exact segment text.
	children map[string]*routeNode

	intChild  *routeNode
	strChild  *routeNode
	pathChild *routeNode

	isParam   bool
	kind      paramKind
	paramName string

	handler    Handler
	hasHandler bool
	template   string // registered template string, e.g. "/users/{id}"
}

func newRouteNode() *routeNode {
	return &routeNode{children: make(map[string]*routeNode)}
}

// segmentSpec is the compiled form of one template segment.
type segmentSpec struct {
	literal string
	isParam bool
	kind    paramKind
	name    string
}

// RouteConflictError is returned (via panic, at registration time, mirroring
// the teacher's panic-on-bad-path registration idiom) when the same
// (method, template) pair is registered twice.
type RouteConflictError struct {
	Method   string
	Template string
}

func (e *RouteConflictError) Error() string {
	return fmt.Sprintf("route conflict: %s %s already registered", e.Method, e.Template)
}

// paramsPool reuses small maps for route parameters to reduce allocations per request.
var paramsPool = sync.Pool{New: func() any { return make(map[string]string, 4) }}

// writeNegotiatedError renders a minimal protocol-generated error body,
// `{"error": "<reason>"}` when Accept matches JSON and plain text
// otherwise (spec.md §7 user-visible failure behavior).
func writeNegotiatedError(ctx *Context, status int, reason string) error {
	if strings.Contains(ctx.Header().Get("accept"), "application/json") {
		return ctx.JSON(status, map[string]string{"error": reason})
	}
	return ctx.String(status, "%s", reason)
}

// NewRouter creates a new Router instance with default not found and error handlers.
func NewRouter() *Router {
	return &Router{
		trees:     make(map[string]*routeNode),
		templates: make(map[string]map[string]bool),
		notFound: HandlerFunc(func(ctx *Context) error {
			return writeNegotiatedError(ctx, 404, "Not Found")
		}),
		errorHandler: DefaultErrorHandler,
		exceptions:   make(map[exceptionKey]ExceptionHandler),
	}
}

// DefaultErrorHandler provides a default implementation for rendering error responses.
func DefaultErrorHandler(ctx *Context, err error) error {
	// Check if it's an HTTPError with status code
	if httpErr, ok := err.(*HTTPError); ok {
		accept := ctx.Header().Get("accept")
		if strings.Contains(accept, "application/json") {
			return ctx.JSON(httpErr.Code, map[string]interface{}{
				"error":   httpErr.Message,
				"code":    httpErr.Code,
				"details": httpErr.Details,
			})
		}
		return ctx.String(httpErr.Code, "%s", httpErr.Message)
	}

	// Default to 500 for unknown errors
	accept := ctx.Header().Get("accept")
	if strings.Contains(accept, "application/json") {
		return ctx.JSON(500, map[string]interface{}{
			"error": err.Error(),
			"code":  500,
		})
	}
	return ctx.String(500, "Internal Server Error")
}

// HTTPError represents an HTTP error with status code, message, and optional details.
type HTTPError struct {
	Code    int
	Message string
	Details interface{}
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return e.Message
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(code int, message string) *HTTPError {
	return &HTTPError{
		Code:    code,
		Message: message,
	}
}

// WithDetails adds additional details to the HTTPError and returns the modified error.
func (e *HTTPError) WithDetails(details interface{}) *HTTPError {
	e.Details = details
	return e
}

// Use adds one or more middleware functions to the router's middleware stack.
func (r *Router) Use(middlewares ...Middleware) {
	r.middlewares = append(r.middlewares, middlewares...)
}

// NotFound sets the handler that will be called for routes that do not match any registered path.
func (r *Router) NotFound(handler Handler) {
	r.notFound = handler
}

// ErrorHandler sets the error handler function for the router.
func (r *Router) ErrorHandler(handler ErrorHandler) {
	r.errorHandler = handler
}

// OnException registers a handler for a specific (route, exception-kind) pair.
// route is a route template as registered (e.g. "/users/{id}");
// route may be "" to mean "any route" and kind may be "" to mean "any kind";
// lookup on an uncaught error walks from most specific to least specific.
func (r *Router) OnException(route, kind string, handler ExceptionHandler) {
	r.exceptions[exceptionKey{route: route, kind: kind}] = handler
}

func (r *Router) lookupException(route, kind string, err error) (ExceptionHandler, bool) {
	candidates := []exceptionKey{
		{route: route, kind: kind},
		{route: route, kind: ""},
		{route: "", kind: kind},
		{route: "", kind: ""},
	}
	for _, key := range candidates {
		if h, ok := r.exceptions[key]; ok {
			return h, true
		}
	}
	return nil, false
}

// GET registers a handler for GET requests.
func (r *Router) GET(path string, handler interface{}) {
	r.addRoute("GET", path, r.wrapHandler(handler))
}

// POST registers a handler for POST requests.
func (r *Router) POST(path string, handler interface{}) {
	r.addRoute("POST", path, r.wrapHandler(handler))
}

// PUT registers a handler for PUT requests.
func (r *Router) PUT(path string, handler interface{}) {
	r.addRoute("PUT", path, r.wrapHandler(handler))
}

// DELETE registers a handler for DELETE requests.
func (r *Router) DELETE(path string, handler interface{}) {
	r.addRoute("DELETE", path, r.wrapHandler(handler))
}

// PATCH registers a handler for PATCH requests.
func (r *Router) PATCH(path string, handler interface{}) {
	r.addRoute("PATCH", path, r.wrapHandler(handler))
}

// HEAD registers a handler for HEAD requests.
func (r *Router) HEAD(path string, handler interface{}) {
	r.addRoute("HEAD", path, r.wrapHandler(handler))
}

// OPTIONS registers a handler for OPTIONS requests.
func (r *Router) OPTIONS(path string, handler interface{}) {
	r.addRoute("OPTIONS", path, r.wrapHandler(handler))
}

// Handle registers a handler for the specified HTTP method.
func (r *Router) Handle(method, path string, handler interface{}) {
	r.addRoute(method, path, r.wrapHandler(handler))
}

func (r *Router) wrapHandler(handler interface{}) Handler {
	switch h := handler.(type) {
	case Handler:
		return h
	case func(*Context) error:
		return HandlerFunc(h)
	default:
		panic(fmt.Sprintf("invalid handler type: %T", handler))
	}
}

// compileTemplate parses a route template into an ordered list of segment
// specs. Segments come in four flavors: literal, {name} (str, default),
// {name:int}, {name:path}. At most one path-typed segment is allowed and it
// must be the final segment.
func compileTemplate(path string) ([]segmentSpec, error) {
	if path == "" || path[0] != '/' {
		return nil, fmt.Errorf("path must begin with '/'")
	}

	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}

	raw := strings.Split(trimmed, "/")
	specs := make([]segmentSpec, 0, len(raw))
	for i, seg := range raw {
		if seg == "" {
			continue
		}
		if !strings.HasPrefix(seg, "{") || !strings.HasSuffix(seg, "}") {
			specs = append(specs, segmentSpec{literal: seg})
			continue
		}

		inner := seg[1 : len(seg)-1]
		name := inner
		kind := kindStr
		if idx := strings.IndexByte(inner, ':'); idx >= 0 {
			name = inner[:idx]
			typ := inner[idx+1:]
			switch typ {
			case "int":
				kind = kindInt
			case "str":
				kind = kindStr
			case "path":
				kind = kindPath
			default:
				return nil, fmt.Errorf("unknown path parameter type %q in segment %q", typ, seg)
			}
		}
		if name == "" {
			return nil, fmt.Errorf("empty parameter name in segment %q", seg)
		}
		if kind == kindPath && i != len(raw)-1 {
			return nil, fmt.Errorf("path-typed segment %q must be terminal", seg)
		}
		specs = append(specs, segmentSpec{isParam: true, kind: kind, name: name})
	}
	return specs, nil
}

func (r *Router) addRoute(method, path string, handler Handler) {
	specs, err := compileTemplate(path)
	if err != nil {
		panic(err)
	}

	methodTemplates, ok := r.templates[method]
	if !ok {
		methodTemplates = make(map[string]bool)
		r.templates[method] = methodTemplates
	}
	if methodTemplates[path] {
		panic(&RouteConflictError{Method: method, Template: path})
	}
	methodTemplates[path] = true

	root, ok := r.trees[method]
	if !ok {
		root = newRouteNode()
		r.trees[method] = root
	}

	current := root
	for _, spec := range specs {
		if !spec.isParam {
			child, ok := current.children[spec.literal]
			if !ok {
				child = newRouteNode()
				current.children[spec.literal] = child
			}
			current = child
			continue
		}

		var slot **routeNode
		switch spec.kind {
		case kindInt:
			slot = &current.intChild
		case kindStr:
			slot = &current.strChild
		case kindPath:
			slot = &current.pathChild
		}
		if *slot == nil {
			*slot = newRouteNode()
			(*slot).isParam = true
			(*slot).kind = spec.kind
			(*slot).paramName = spec.name
		}
		current = *slot
	}

	current.handler = handler
	current.hasHandler = true
	current.template = path
}

// ServeHTTP2 implements the Handler interface to process incoming HTTP requests.
func (r *Router) ServeHTTP2(ctx *Context) error {
	handler, params, status, allowed, template := r.find(ctx.Method(), ctx.Path())
	ctx.routeTemplate = template

	for k, v := range params {
		ctx.Set(k, v)
	}
	if params != nil {
		for k := range params {
			delete(params, k)
		}
		paramsPool.Put(params)
	}

	if status == 405 {
		ctx.SetHeader("Allow", strings.Join(allowed, ", "))
		handler = HandlerFunc(func(ctx *Context) error {
			return writeNegotiatedError(ctx, 405, "Method Not Allowed")
		})
	}

	if len(r.middlewares) > 0 {
		handler = Chain(r.middlewares...)(handler)
	}

	err := handler.ServeHTTP2(ctx)
	if err != nil {
		kind := exceptionKind(err)
		if _, ok := err.(*HTTPError); !ok && !errors.Is(err, ErrHandler) {
			err = fmt.Errorf("%w: %v", ErrHandler, err)
		}
		if eh, ok := r.lookupException(ctx.routeTemplate, kind, err); ok {
			if handlerErr := eh(ctx, err); handlerErr != nil {
				return handlerErr
			}
			return ctx.flush()
		}
		if r.errorHandler != nil {
			if handlerErr := r.errorHandler(ctx, err); handlerErr != nil {
				return handlerErr
			}
			return ctx.flush()
		}
		return err
	}

	return ctx.flush()
}

// exceptionKind derives the exception-kind key used by OnException lookups.
// HTTPError carries an explicit kind via its status code ("http:404"); other errors
// fall back to their dynamic type name.
func exceptionKind(err error) string {
	if httpErr, ok := err.(*HTTPError); ok {
		return fmt.Sprintf("http:%d", httpErr.Code)
	}
	return fmt.Sprintf("%T", err)
}

// wsMethod is the virtual method key WebSocket route templates are stored
// under in the same trie HTTP routes use; it can never collide with a real
// HTTP method name.
const wsMethod = "WS"

// WebSocketHandler processes one complete, reassembled message on an
// upgraded connection (spec.md §6 websocket(template) registration).
type WebSocketHandler func(conn *ws.Connection, opcode ws.Opcode, payload []byte) error

// wsHandlerHolder adapts a WebSocketHandler to satisfy Handler so it can sit
// in the router trie alongside ordinary routes; ServeHTTP2 is never actually
// invoked on it since WebSocket dispatch bypasses the HTTP handler path.
type wsHandlerHolder struct {
	handler WebSocketHandler
}

func (h *wsHandlerHolder) ServeHTTP2(_ *Context) error {
	return fmt.Errorf("websocket route invoked as HTTP handler")
}

// WebSocket registers handler as the message callback for connections that
// upgrade while requesting a path matching template.
func (r *Router) WebSocket(template string, handler WebSocketHandler) {
	r.addRoute(wsMethod, template, &wsHandlerHolder{handler: handler})
}

// FindWebSocket resolves path against the registered WebSocket templates,
// returning the matching handler, or ok=false if no template matches.
func (r *Router) FindWebSocket(path string) (handler WebSocketHandler, ok bool) {
	h, _, status, _, _ := r.find(wsMethod, path)
	if status != 0 {
		return nil, false
	}
	holder, ok := h.(*wsHandlerHolder)
	if !ok {
		return nil, false
	}
	return holder.handler, true
}

// FindRoute locates the appropriate handler for a given HTTP method and path.
// It returns the handler and any extracted route parameters. Retained for
// backward-compatible direct lookups; MethodNotAllowed collapses to NotFound
// here since callers that want the distinction should use ServeHTTP2's path.
func (r *Router) FindRoute(method, path string) (Handler, map[string]string) {
	handler, params, _, _, _ := r.find(method, path)
	return handler, params
}

// find resolves method+path against the trie, returning either a matched
// handler (status 0), a 404 (handler is r.notFound, status 404), or a 405
// (status 405, allowed carrying the Allow header's method set). template is
// the registered route template the match came from (e.g. "/users/{id}"),
// used for low-cardinality metric labeling instead of the raw path.
func (r *Router) find(method, path string) (handler Handler, params map[string]string, status int, allowed []string, template string) {
	if q := strings.IndexByte(path, '?'); q >= 0 {
		path = path[:q]
	}

	segments := splitPath(path)

	root, ok := r.trees[method]
	if ok {
		if node, p := matchNode(root, segments, nil); node != nil && node.hasHandler {
			return node.handler, p, 0, nil, node.template
		}
	}

	// No match for the requested method. Determine whether some other
	// registered method's tree matches this path, to distinguish
	// MethodNotAllowed from NotFound (spec.md §4.7).
	var allowedMethods []string
	for m, tree := range r.trees {
		if m == method || m == wsMethod {
			continue
		}
		if node, _ := matchNode(tree, segments, nil); node != nil && node.hasHandler {
			allowedMethods = append(allowedMethods, m)
		}
	}
	if len(allowedMethods) > 0 {
		return r.notFound, nil, 405, allowedMethods, ""
	}
	return r.notFound, nil, 404, nil, ""
}

// splitPath splits a raw request path into percent-decoded segments, with
// the leading empty segment from a leading '/' dropped. Percent-decoding
// happens after splitting so an encoded "%2F" never acts as a separator
// (spec.md Open Question #2).
func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	raw := strings.Split(trimmed, "/")
	segments := make([]string, 0, len(raw))
	for _, seg := range raw {
		if decoded, err := url.PathUnescape(seg); err == nil {
			segments = append(segments, decoded)
		} else {
			segments = append(segments, seg)
		}
	}
	return segments
}

// matchNode performs the recursive, priority-ordered, backtracking descent
// described in spec.md §4.7: literal children are tried before typed
// parameters, and typed parameters are tried int > str > path; any match
// failure deeper in the tree backtracks to the next lower-priority child.
func matchNode(node *routeNode, segments []string, params map[string]string) (*routeNode, map[string]string) {
	if len(segments) == 0 {
		if node.hasHandler {
			return node, params
		}
		return nil, nil
	}

	seg := segments[0]
	rest := segments[1:]

	if child, ok := node.children[seg]; ok {
		if found, p := matchNode(child, rest, params); found != nil {
			return found, p
		}
	}

	if node.intChild != nil && isAllDigits(seg) {
		p := setParam(params, node.intChild.paramName, seg)
		if found, p2 := matchNode(node.intChild, rest, p); found != nil {
			return found, p2
		}
		releaseParam(p, node.intChild.paramName)
	}

	if node.strChild != nil {
		p := setParam(params, node.strChild.paramName, seg)
		if found, p2 := matchNode(node.strChild, rest, p); found != nil {
			return found, p2
		}
		releaseParam(p, node.strChild.paramName)
	}

	if node.pathChild != nil {
		joined := strings.Join(segments, "/")
		p := setParam(params, node.pathChild.paramName, joined)
		if node.pathChild.hasHandler {
			return node.pathChild, p
		}
		releaseParam(p, node.pathChild.paramName)
	}

	return nil, nil
}

func setParam(params map[string]string, name, value string) map[string]string {
	if params == nil {
		params = paramsPool.Get().(map[string]string)
	}
	params[name] = value
	return params
}

func releaseParam(params map[string]string, name string) {
	if params != nil {
		delete(params, name)
	}
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	// Bound check consistent with int parsing; reject values that would
	// overflow a 64-bit signed integer during later conversion.
	if len(s) > 19 {
		return false
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// Group allows organizing routes with a common path prefix and shared middleware stack.
type Group struct {
	router      *Router
	prefix      string
	middlewares []Middleware
}

// Group creates a new route group with the specified path prefix and optional middleware.
func (r *Router) Group(prefix string, middlewares ...Middleware) *Group {
	return &Group{
		router:      r,
		prefix:      prefix,
		middlewares: middlewares,
	}
}

// Use adds one or more middleware functions to the route group's middleware stack.
func (g *Group) Use(middlewares ...Middleware) {
	g.middlewares = append(g.middlewares, middlewares...)
}

// GET registers a handler for GET requests in the group.
func (g *Group) GET(path string, handler interface{}) {
	g.handle("GET", path, g.router.wrapHandler(handler))
}

// POST registers a handler for POST requests in the group.
func (g *Group) POST(path string, handler interface{}) {
	g.handle("POST", path, g.router.wrapHandler(handler))
}

// PUT registers a handler for PUT requests in the group.
func (g *Group) PUT(path string, handler interface{}) {
	g.handle("PUT", path, g.router.wrapHandler(handler))
}

// DELETE registers a handler for DELETE requests in the group.
func (g *Group) DELETE(path string, handler interface{}) {
	g.handle("DELETE", path, g.router.wrapHandler(handler))
}

// PATCH registers a handler for PATCH requests in the group.
func (g *Group) PATCH(path string, handler interface{}) {
	g.handle("PATCH", path, g.router.wrapHandler(handler))
}

// Handle registers a handler for the specified HTTP method in the group.
func (g *Group) Handle(method, path string, handler interface{}) {
	g.handle(method, path, g.router.wrapHandler(handler))
}

func (g *Group) handle(method, path string, handler Handler) {
	fullPath := g.prefix + path

	if len(g.middlewares) > 0 {
		handler = Chain(g.middlewares...)(handler)
	}

	g.router.addRoute(method, fullPath, handler)
}

// Group creates a nested group with combined prefixes and middleware.
func (g *Group) Group(prefix string, middlewares ...Middleware) *Group {
	return &Group{
		router:      g.router,
		prefix:      g.prefix + prefix,
		middlewares: append(g.middlewares, middlewares...),
	}
}

// Param retrieves a URL parameter by name from the request context.
func Param(ctx *Context, name string) string {
	if val, ok := ctx.Get(name); ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// MustParam retrieves a URL parameter or panics if not found.
func MustParam(ctx *Context, name string) string {
	val := Param(ctx, name)
	if val == "" {
		panic(fmt.Sprintf("parameter %q not found", name))
	}
	return val
}

// Static registers a route to serve static files from a directory.
func (r *Router) Static(prefix, root string) {
	// Ensure prefix ends with /{filepath:path}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	fileServer := prefix + "{filepath:path}"

	r.GET(fileServer, func(ctx *Context) error {
		filepath := ctx.Param("filepath")
		if filepath == "" {
			filepath = "index.html"
		}

		// Security: prevent directory traversal
		filepath = strings.TrimPrefix(filepath, "/")
		if strings.Contains(filepath, "..") {
			return ctx.String(403, "Forbidden")
		}

		fullPath := root + "/" + filepath
		return ctx.File(fullPath)
	})
}

// GetRoutes returns the registered routes, grouped by HTTP method, as
// RouteInfo values suitable for API documentation auto-discovery.
func (r *Router) GetRoutes() map[string][]RouteInfo {
	result := make(map[string][]RouteInfo, len(r.templates))
	for method, tmpls := range r.templates {
		infos := make([]RouteInfo, 0, len(tmpls))
		for tmpl := range tmpls {
			infos = append(infos, RouteInfo{Method: method, Path: tmpl})
		}
		result[method] = infos
	}
	return result
}

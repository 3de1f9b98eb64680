// calltip/lsp_server.go
// Implements the Language Server Protocol (LSP) host surface of the tip
// service. Document lifecycle notifications feed trigger candidates into the
// CallTip pipeline; the active tip is pushed to the client as a
// calltip/publishTip notification.
package calltip

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Server Implementation
// ============================================================================

// Server represents the LSP server instance.
type Server struct {
	conn           *jsonrpc2.Conn
	logger         *slog.Logger
	tipper         *CallTip // The core tip service
	files          map[DocumentURI]*OpenFile
	filesMu        sync.RWMutex
	config         Config
	clientCaps     ClientCapabilities
	serverInfo     *ServerInfo
	initParams     *InitializeParams
	requestTracker *RequestTracker
}

// OpenFile represents a file currently open in the client editor.
type OpenFile struct {
	URI     DocumentURI
	Content []byte
	Version int
}

// NewServer creates a new LSP server instance and wires itself in as the
// tip renderer.
func NewServer(tipper *CallTip, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		logger: logger,
		tipper: tipper,
		files:  make(map[DocumentURI]*OpenFile),
		config: tipper.GetCurrentConfig(),
		serverInfo: &ServerInfo{
			Name:    "CallTip LSP",
			Version: version,
		},
		requestTracker: NewRequestTracker(),
	}
	tipper.SetRenderer(&notificationRenderer{server: s})
	publishExpvarMetrics(s)
	return s
}

// Run starts the LSP server, listening on stdin/stdout.
func (s *Server) Run(r io.Reader, w io.Writer) {
	s.logger.Info("Starting LSP server run loop")

	stream := &stdrwc{r: r, w: w}
	objectStream := jsonrpc2.NewPlainObjectStream(stream)
	handler := jsonrpc2.HandlerWithError(s.handle)

	s.conn = jsonrpc2.NewConn(context.Background(), objectStream, handler)
	s.logger.Info("JSON-RPC connection established")

	<-s.conn.DisconnectNotify() // Block until connection closes
	s.logger.Info("JSON-RPC connection closed")
}

// stdrwc is a simple ReadWriteCloser that wraps stdin/stdout without closing them.
type stdrwc struct {
	r io.Reader
	w io.Writer
}

func (s *stdrwc) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdrwc) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stdrwc) Close() error                { return nil } // Do nothing

// handle routes incoming LSP requests/notifications to appropriate methods.
func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (result any, err error) {
	methodLogger := s.logger.With("method", req.Method, "is_notification", req.Notif)
	isRequest := req.ID != (jsonrpc2.ID{})
	if isRequest {
		methodLogger = methodLogger.With("req_id", req.ID)
	}
	methodLogger.Debug("Received request/notification")

	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			methodLogger.Error("Panic recovered in handler", "panic_value", r, "stack", stack)

			panicMsg := fmt.Sprintf("Panic: %v", r)
			panicData, marshalErr := json.Marshal(panicMsg)
			if marshalErr != nil {
				methodLogger.Error("Failed to marshal panic message for error data", "error", marshalErr)
				panicData = json.RawMessage(`"failed to marshal panic data"`)
			}
			rawPanicData := json.RawMessage(panicData)

			err = &jsonrpc2.Error{
				Code:    int64(JsonRpcInternalError),
				Message: fmt.Sprintf("Internal server error in method %s", req.Method),
				Data:    &rawPanicData,
			}
			result = nil
		}
	}()

	// Request Cancellation Handling
	if isRequest {
		ctx = s.requestTracker.Add(req.ID, ctx)
		defer s.requestTracker.Remove(req.ID)
	}
	select {
	case <-ctx.Done():
		methodLogger.Warn("Request context cancelled before processing started", "error", ctx.Err())
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Request cancelled"}
	default: // Continue processing
	}

	// Helper to unmarshal params
	unmarshalParams := func(target any) error {
		if req.Params == nil {
			return errors.New("params field is null")
		}
		return json.Unmarshal(*req.Params, target)
	}

	switch req.Method {
	case "initialize":
		var params InitializeParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal initialize params", "error", err)
			return nil, &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid initialize params: %v", err)}
		}
		s.clientCaps = params.Capabilities
		s.initParams = &params
		return s.handleInitialize(ctx, conn, req, params)

	case "initialized":
		methodLogger.Info("Client initialized notification received")
		return nil, nil

	case "shutdown":
		methodLogger.Info("Shutdown request received")
		return nil, nil

	case "exit":
		methodLogger.Info("Exit notification received")
		if s.conn != nil {
			s.conn.Close()
		}
		return nil, nil

	case "textDocument/didOpen":
		var params DidOpenTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didOpen params", "error", err)
			return nil, nil // Ignore notification errors
		}
		return s.handleDidOpen(ctx, conn, req, params)

	case "textDocument/didChange":
		var params DidChangeTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didChange params", "error", err)
			return nil, nil // Ignore notification errors
		}
		return s.handleDidChange(ctx, conn, req, params)

	case "textDocument/didClose":
		var params DidCloseTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didClose params", "error", err)
			return nil, nil // Ignore notification errors
		}
		return s.handleDidClose(ctx, conn, req, params)

	case "workspace/didChangeConfiguration":
		var params DidChangeConfigurationParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didChangeConfiguration params", "error", err)
			return nil, nil // Ignore notification errors
		}
		return s.handleDidChangeConfiguration(ctx, conn, req, params)

	case "calltip/dismiss":
		s.tipper.DismissTip()
		return nil, nil

	case "calltip/stats":
		return TipStatsResult{Cache: s.tipper.CacheStats(), Enabled: s.tipper.Enabled()}, nil

	case "$/cancelRequest":
		var params CancelParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal cancelRequest params", "error", err)
			return nil, nil // Ignore notification errors
		}
		var cancelID jsonrpc2.ID
		switch idVal := params.ID.(type) {
		case float64:
			numVal := uint64(idVal)
			cancelID = jsonrpc2.ID{Num: numVal}
		case string:
			cancelID = jsonrpc2.ID{Str: idVal, IsString: true}
		default:
			methodLogger.Warn("Could not determine type of cancel request ID", "id_value", params.ID, "id_type", fmt.Sprintf("%T", params.ID))
			return nil, nil
		}

		s.requestTracker.Cancel(cancelID)
		methodLogger.Info("Cancellation request processed", "cancelled_id", cancelID)
		return nil, nil

	default:
		methodLogger.Warn("Unhandled LSP method")
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcMethodNotFound), Message: fmt.Sprintf("Method not supported: %s", req.Method)}
	}
}

// ============================================================================
// LSP Method Handlers
// ============================================================================

func (s *Server) handleInitialize(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params InitializeParams) (any, error) {
	clientName, clientVersion := "unknown", ""
	if params.ClientInfo != nil {
		clientName, clientVersion = params.ClientInfo.Name, params.ClientInfo.Version
	}
	s.logger.Info("Handling initialize request", "client_name", clientName, "client_version", clientVersion)

	serverCapabilities := ServerCapabilities{
		TextDocumentSync: &TextDocumentSyncOptions{
			OpenClose: true,
			Change:    TextDocumentSyncKindFull,
		},
	}

	result := InitializeResult{
		Capabilities: serverCapabilities,
		ServerInfo:   s.serverInfo,
	}

	s.logger.Info("Initialization successful", "server_capabilities", result.Capabilities)
	return result, nil
}

func (s *Server) handleDidOpen(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidOpenTextDocumentParams) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	content := []byte(params.TextDocument.Text)
	s.logger.Info("Handling textDocument/didOpen", "uri", uri, "version", version, "size", len(content))

	if _, pathErr := ValidateAndGetFilePath(string(uri)); pathErr != nil {
		s.logger.Error("Invalid URI in didOpen", "uri", uri, "error", pathErr)
		s.sendShowMessage(MessageTypeError, fmt.Sprintf("Invalid document URI: %v", pathErr))
		return nil, nil // Don't return error for notification
	}

	s.filesMu.Lock()
	s.files[uri] = &OpenFile{
		URI:     uri,
		Content: content,
		Version: version,
	}
	s.filesMu.Unlock()
	return nil, nil
}

func (s *Server) handleDidChange(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeTextDocumentParams) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	if len(params.ContentChanges) == 0 {
		s.logger.Warn("Received didChange notification with no content changes", "uri", uri, "version", version)
		return nil, nil
	}
	// For Full sync, the last change contains the full document content
	newContent := []byte(params.ContentChanges[len(params.ContentChanges)-1].Text)
	s.logger.Debug("Handling textDocument/didChange", "uri", uri, "new_version", version, "new_size", len(newContent))

	absPath, pathErr := ValidateAndGetFilePath(string(uri))
	if pathErr != nil {
		s.logger.Error("Invalid URI in didChange", "uri", uri, "error", pathErr)
		s.sendShowMessage(MessageTypeError, fmt.Sprintf("Invalid document URI: %v", pathErr))
		return nil, nil // Don't return error for notification
	}

	var oldContent []byte
	s.filesMu.Lock()
	currentFile, exists := s.files[uri]
	// Update only if the new version is higher than the stored version
	if !exists || version > currentFile.Version {
		if exists {
			oldContent = currentFile.Content
		}
		s.files[uri] = &OpenFile{
			URI:     uri,
			Content: newContent,
			Version: version,
		}
		s.logger.Debug("Updated file cache", "uri", uri, "version", version)
	} else {
		s.logger.Warn("Ignoring out-of-order didChange notification", "uri", uri, "received_version", version, "current_version", currentFile.Version)
		s.filesMu.Unlock()
		return nil, nil
	}
	s.filesMu.Unlock()

	// Every accepted edit is a trigger candidate. The deduplicator and the
	// resolver's completeness checks filter out everything that is not a
	// just-finished call. The live buffer rides along so resolution sees the
	// unsaved edit, not whatever is on disk.
	offset := editEndOffset(oldContent, newContent)
	if offset > 0 {
		s.tipper.HandleTrigger(context.Background(), string(uri), absPath, newContent, version, offset)
	}
	return nil, nil
}

func (s *Server) handleDidClose(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidCloseTextDocumentParams) (any, error) {
	uri := params.TextDocument.URI
	s.logger.Info("Handling textDocument/didClose", "uri", uri)

	s.filesMu.Lock()
	delete(s.files, uri)
	s.filesMu.Unlock()

	s.tipper.HandleDocumentClosed(string(uri))
	return nil, nil
}

func (s *Server) handleDidChangeConfiguration(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeConfigurationParams) (any, error) {
	s.logger.Info("Handling workspace/didChangeConfiguration")

	var changedSettings struct {
		CallTip FileConfig `json:"calltip"`
	}

	if err := json.Unmarshal(params.Settings, &changedSettings); err != nil {
		s.logger.Error("Failed to unmarshal workspace/didChangeConfiguration settings", "error", err, "raw_settings", string(params.Settings))
		var directFileCfg FileConfig
		if directErr := json.Unmarshal(params.Settings, &directFileCfg); directErr == nil {
			s.logger.Info("Successfully unmarshalled settings directly into FileConfig")
			changedSettings.CallTip = directFileCfg
		} else {
			s.logger.Error("Also failed to unmarshal settings directly into FileConfig", "direct_error", directErr)
			return nil, nil
		}
	}

	newConfig := s.tipper.GetCurrentConfig()
	fileCfg := changedSettings.CallTip
	mergedFields := 0

	// Merge non-nil fields from received settings
	if fileCfg.Enabled != nil {
		newConfig.Enabled = *fileCfg.Enabled
		mergedFields++
	}
	if fileCfg.TagAliases != nil {
		newConfig.TagAliases = *fileCfg.TagAliases
		mergedFields++
	}
	if fileCfg.FullDocumentationMode != nil {
		newConfig.FullDocumentationMode = *fileCfg.FullDocumentationMode
		mergedFields++
	}
	if fileCfg.DisplayDurationMs != nil {
		newConfig.DisplayDurationMs = *fileCfg.DisplayDurationMs
		mergedFields++
	}
	if fileCfg.DisplayStyle != nil {
		newConfig.DisplayStyle = DisplayStyle(*fileCfg.DisplayStyle)
		mergedFields++
	}
	if fileCfg.CacheCapacity != nil {
		newConfig.CacheCapacity = *fileCfg.CacheCapacity
		mergedFields++
	}
	if fileCfg.CacheTTLSeconds != nil {
		newConfig.CacheTTLSeconds = *fileCfg.CacheTTLSeconds
		mergedFields++
	}
	if fileCfg.SweepIntervalSeconds != nil {
		newConfig.SweepIntervalSeconds = *fileCfg.SweepIntervalSeconds
		mergedFields++
	}
	if fileCfg.DedupWindowMs != nil {
		newConfig.DedupWindowMs = *fileCfg.DedupWindowMs
		mergedFields++
	}
	if fileCfg.Workers != nil {
		newConfig.Workers = *fileCfg.Workers
		mergedFields++
	}
	if fileCfg.LogLevel != nil {
		newConfig.LogLevel = *fileCfg.LogLevel
		mergedFields++
		s.logger.Info("Log level configuration change received", "new_level_setting", newConfig.LogLevel)
	}

	if mergedFields > 0 {
		s.logger.Info("Applying configuration changes from client", "fields_merged", mergedFields)
		if err := s.tipper.UpdateConfig(newConfig); err != nil {
			s.logger.Error("Failed to apply updated configuration", "error", err)
			s.sendShowMessage(MessageTypeError, fmt.Sprintf("Failed to apply configuration update: %v", err))
		} else {
			s.config = s.tipper.GetCurrentConfig() // Update server's local copy
			s.logger.Info("Server configuration updated successfully via workspace/didChangeConfiguration")
		}
	} else {
		s.logger.Debug("No relevant configuration changes found in workspace/didChangeConfiguration notification")
	}

	return nil, nil
}

// editEndOffset locates where an edit ended: the byte offset just past the
// last inserted character, computed from the common prefix and suffix of the
// old and new full document contents. Returns 0 when nothing was inserted
// (pure deletion or identical content).
func editEndOffset(oldContent, newContent []byte) int {
	if len(newContent) == 0 {
		return 0
	}
	prefix := 0
	maxPrefix := len(oldContent)
	if len(newContent) < maxPrefix {
		maxPrefix = len(newContent)
	}
	for prefix < maxPrefix && oldContent[prefix] == newContent[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < maxPrefix-prefix &&
		oldContent[len(oldContent)-1-suffix] == newContent[len(newContent)-1-suffix] {
		suffix++
	}
	end := len(newContent) - suffix
	if end <= prefix {
		// Nothing inserted.
		return 0
	}
	return end
}

// ============================================================================
// Tip Rendering over JSON-RPC
// ============================================================================

// notificationRenderer pushes tips to the client as custom notifications.
// It is the Renderer wired into the DisplayCoordinator, so Render and Dismiss
// are only ever called from the foreground executor.
type notificationRenderer struct {
	server *Server
}

func (r *notificationRenderer) Render(content TipContent, pos DisplayPosition) error {
	s := r.server
	if s.conn == nil {
		return fmt.Errorf("%w: connection not established", ErrRenderFailed)
	}
	cfg := s.tipper.GetCurrentConfig()
	params := PublishTipParams{
		URI:      DocumentURI(pos.EditorID),
		Offset:   pos.Offset,
		Text:     content.Text,
		Format:   content.Format.String(),
		Style:    cfg.DisplayStyle,
		Duration: cfg.DisplayDurationMs,
	}
	if err := s.conn.Notify(context.Background(), "calltip/publishTip", params); err != nil {
		return fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}
	return nil
}

func (r *notificationRenderer) Dismiss() error {
	s := r.server
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Notify(context.Background(), "calltip/dismissTip", DismissTipParams{}); err != nil {
		return fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}
	return nil
}

// ============================================================================
// LSP Notification Sending Helpers
// ============================================================================

func (s *Server) sendShowMessage(msgType MessageType, message string) {
	if s.conn == nil {
		s.logger.Warn("Cannot send showMessage: connection is nil")
		return
	}
	params := ShowMessageParams{Type: msgType, Message: message}
	ctx := context.Background()
	if err := s.conn.Notify(ctx, "window/showMessage", params); err != nil {
		s.logger.Error("Failed to send window/showMessage notification", "error", err, "message_type", msgType)
	} else {
		s.logger.Debug("Sent window/showMessage notification", "message_type", msgType)
	}
}

// ============================================================================
// Expvar Metrics
// ============================================================================

func publishExpvarMetrics(s *Server) {
	startTime := time.Now()
	expvar.NewString("serverInfo.name").Set(s.serverInfo.Name)
	expvar.NewString("serverInfo.version").Set(s.serverInfo.Version)
	expvar.NewString("serverStartTime").Set(startTime.Format(time.RFC3339))
	expvar.Publish("goroutines", expvar.Func(func() any { return runtime.NumGoroutine() }))
	expvar.Publish("memory.allocBytes", expvar.Func(func() any {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return m.Alloc
	}))
	expvar.Publish("lsp.openFiles", expvar.Func(func() any {
		s.filesMu.RLock()
		defer s.filesMu.RUnlock()
		return len(s.files)
	}))
	expvar.Publish("lsp.pendingRequests", expvar.Func(func() any { return s.requestTracker.Count() }))
	expvar.Publish("cache.tips.size", expvar.Func(func() any { return s.tipper.CacheStats().Size }))
	expvar.Publish("cache.tips.hits", expvar.Func(func() any { return s.tipper.CacheStats().Hits }))
	expvar.Publish("cache.tips.misses", expvar.Func(func() any { return s.tipper.CacheStats().Misses }))
	expvar.Publish("cache.tips.hitRate", expvar.Func(func() any { return s.tipper.CacheStats().HitRate }))
	s.logger.Info("Expvar metrics published")
}

// ============================================================================
// Request Cancellation Tracker
// ============================================================================

// RequestTracker manages cancellation contexts for ongoing LSP requests.
type RequestTracker struct {
	mu       sync.Mutex
	requests map[jsonrpc2.ID]context.CancelFunc
}

// NewRequestTracker creates a new tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{
		requests: make(map[jsonrpc2.ID]context.CancelFunc),
	}
}

// Add registers a request ID and returns the context the request should run
// under; a matching $/cancelRequest cancels it.
func (rt *RequestTracker) Add(id jsonrpc2.ID, ctx context.Context) context.Context {
	if id == (jsonrpc2.ID{}) {
		return ctx
	} // Ignore notifications
	reqCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.requests[id] = cancel
	return reqCtx
}

// Remove deregisters a request ID, releasing its context.
func (rt *RequestTracker) Remove(id jsonrpc2.ID) {
	if id == (jsonrpc2.ID{}) {
		return
	} // Ignore notifications
	rt.mu.Lock()
	cancel, found := rt.requests[id]
	delete(rt.requests, id)
	rt.mu.Unlock()
	if found {
		cancel()
	}
}

// Cancel finds the cancel function for a request ID and calls it.
func (rt *RequestTracker) Cancel(id jsonrpc2.ID) {
	if id == (jsonrpc2.ID{}) { // Ignore notifications
		slog.Debug("Cancel request ignored for unset ID")
		return
	}
	rt.mu.Lock()
	cancel, found := rt.requests[id]
	if found {
		delete(rt.requests, id) // Remove immediately
	}
	rt.mu.Unlock()

	if found {
		slog.Debug("Calling cancel function for request", "id", id)
		cancel() // Call outside lock
	} else {
		slog.Debug("Cancel function not found for request ID", "id", id)
	}
}

// Count returns the number of currently tracked requests.
func (rt *RequestTracker) Count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.requests)
}

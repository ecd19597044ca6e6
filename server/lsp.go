package server

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/kolzuk/ana-language/asm"
	"github.com/kolzuk/ana-language/vm"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "ana-lsp"

var lspLog = commonlog.GetLogger("ana.lsp")

// LspServer provides editor support for bytecode assembly files.
type LspServer struct {
	entry string

	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server. entry names the function a missing-entry
// warning is reported for; empty disables the check.
func NewLSP(entry string) *LspServer {
	s := &LspServer{
		entry:   entry,
		docs:    make(map[string]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion:     s.textDocumentCompletion,
		TextDocumentHover:          s.textDocumentHover,
		TextDocumentDefinition:     s.textDocumentDefinition,
		TextDocumentDocumentSymbol: s.textDocumentDocumentSymbol,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	commonlog.NewInfoMessage(0, "ana LSP initializing").Send()

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{" "},
	}

	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.DocumentSymbolProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			text := whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	return complete(text, params.Position), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return hover(text, params.Position, word), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}
	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	loc := definition(uri, text, params.Position, word)
	if loc == nil {
		return nil, nil
	}
	return *loc, nil
}

func (s *LspServer) textDocumentDocumentSymbol(ctx *glsp.Context, params *protocol.DocumentSymbolParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	return documentSymbols(text), nil
}

// --- Document index ---

// symbol is a definition site. Line and Column are 0-based; Column counts
// UTF-16 code units like LSP positions.
type symbol struct {
	Name   string
	Line   int
	Column int
	Detail string
}

// fnSymbol is a function definition and the lines it spans.
type fnSymbol struct {
	symbol
	EndLine int
	Labels  map[string]symbol
	order   []string
}

// docIndex locates functions and labels in a document without requiring it
// to parse cleanly.
type docIndex struct {
	functions []*fnSymbol
	byName    map[string]*fnSymbol
}

func indexDocument(text string) *docIndex {
	idx := &docIndex{byName: make(map[string]*fnSymbol)}
	var cur *fnSymbol
	for i, line := range strings.Split(text, "\n") {
		fields := asm.Fields(line)
		if len(fields) == 0 {
			continue
		}
		op, ok := vm.LookupOpcode(fields[0].Text)
		if !ok {
			continue
		}
		switch op {
		case vm.OpFunBegin:
			if len(fields) < 2 {
				continue
			}
			if cur != nil {
				cur.EndLine = i - 1
			}
			sig := make([]string, 0, len(fields)-1)
			for _, f := range fields[1:] {
				sig = append(sig, f.Text)
			}
			cur = &fnSymbol{
				symbol:  symbol{Name: fields[1].Text, Line: i, Column: utf16Len(line[:fields[1].Column-1]), Detail: strings.Join(sig, " ")},
				EndLine: -1,
				Labels:  make(map[string]symbol),
			}
			idx.functions = append(idx.functions, cur)
			idx.byName[cur.Name] = cur
		case vm.OpFunEnd:
			if cur != nil {
				cur.EndLine = i
				cur = nil
			}
		case vm.OpLabel:
			if cur != nil && len(fields) > 1 {
				name := fields[1].Text
				if _, dup := cur.Labels[name]; !dup {
					cur.order = append(cur.order, name)
				}
				cur.Labels[name] = symbol{Name: name, Line: i, Column: utf16Len(line[:fields[1].Column-1])}
			}
		}
	}
	if cur != nil {
		cur.EndLine = strings.Count(text, "\n")
	}
	return idx
}

// enclosing returns the function whose body contains line.
func (idx *docIndex) enclosing(line int) *fnSymbol {
	for _, fn := range idx.functions {
		if line >= fn.Line && (fn.EndLine < 0 || line <= fn.EndLine) {
			return fn
		}
	}
	return nil
}

// --- Feature logic ---

func complete(text string, pos protocol.Position) []protocol.CompletionItem {
	line, col, ok := lineAt(text, pos)
	if !ok {
		return nil
	}
	before := asm.Fields(line[:col])
	prefix := extractPrefix(text, pos)
	// The mnemonic is being typed when it is the only field so far and
	// the cursor is still on it.
	typingMnemonic := len(before) == 0 || (len(before) == 1 && prefix != "")

	var items []protocol.CompletionItem
	if typingMnemonic {
		upper := strings.ToUpper(prefix)
		kind := protocol.CompletionItemKindKeyword
		for _, op := range vm.Opcodes() {
			info := op.Info()
			if !strings.HasPrefix(info.Name, upper) {
				continue
			}
			detail := info.Doc
			name := info.Name
			items = append(items, protocol.CompletionItem{
				Label:      name,
				Kind:       &kind,
				Detail:     &detail,
				InsertText: &name,
			})
		}
		return items
	}

	op, ok := vm.LookupOpcode(before[0].Text)
	if !ok {
		return nil
	}
	idx := indexDocument(text)
	switch {
	case op == vm.OpCall:
		kind := protocol.CompletionItemKindFunction
		for _, fn := range idx.functions {
			if !strings.HasPrefix(fn.Name, prefix) {
				continue
			}
			detail := "FUN_BEGIN " + fn.Detail
			name := fn.Name
			items = append(items, protocol.CompletionItem{Label: name, Kind: &kind, Detail: &detail, InsertText: &name})
		}
	case op.IsJump():
		fn := idx.enclosing(int(pos.Line))
		if fn == nil {
			return nil
		}
		kind := protocol.CompletionItemKindReference
		for _, label := range fn.order {
			if !strings.HasPrefix(label, prefix) {
				continue
			}
			detail := "label in " + fn.Name
			name := label
			items = append(items, protocol.CompletionItem{Label: name, Kind: &kind, Detail: &detail, InsertText: &name})
		}
	}
	return items
}

func hover(text string, pos protocol.Position, word string) *protocol.Hover {
	var b strings.Builder

	if op, ok := vm.LookupOpcode(word); ok {
		info := op.Info()
		fmt.Fprintf(&b, "**%s**", info.Name)
		if info.Operand != vm.OperandNone {
			fmt.Fprintf(&b, " `<%s>`", info.Operand)
		}
		b.WriteString("\n\n")
		b.WriteString(info.Doc)
		b.WriteString("\n\n")
		pops := fmt.Sprint(info.StackPop)
		if info.StackPop < 0 {
			pops = "one per parameter"
		}
		fmt.Fprintf(&b, "Stack: pops %s, pushes %d", pops, info.StackPush)
		if !strings.EqualFold(word, info.Name) {
			fmt.Fprintf(&b, "\n\n`%s` is an alias of `%s`.", strings.ToUpper(word), info.Name)
		}
	} else {
		idx := indexDocument(text)
		fn, ok := idx.byName[word]
		if !ok {
			return nil
		}
		fmt.Fprintf(&b, "**%s**\n\n`FUN_BEGIN %s`", fn.Name, fn.Detail)
		if n := len(fn.Labels); n > 0 {
			fmt.Fprintf(&b, "\n\nLabels: `%s`", strings.Join(fn.order, " "))
		}
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

func definition(uri protocol.DocumentUri, text string, pos protocol.Position, word string) *protocol.Location {
	idx := indexDocument(text)

	var target *symbol
	if fn := idx.enclosing(int(pos.Line)); fn != nil {
		if l, ok := fn.Labels[word]; ok {
			target = &l
		}
	}
	if target == nil {
		if fn, ok := idx.byName[word]; ok {
			target = &fn.symbol
		}
	}
	if target == nil {
		return nil
	}

	return &protocol.Location{
		URI: uri,
		Range: protocol.Range{
			Start: protocol.Position{Line: uint32(target.Line), Character: uint32(target.Column)},
			End:   protocol.Position{Line: uint32(target.Line), Character: uint32(target.Column + utf16Len(target.Name))},
		},
	}
}

func documentSymbols(text string) []protocol.DocumentSymbol {
	idx := indexDocument(text)
	lines := strings.Split(text, "\n")
	lineLen := func(i int) uint32 {
		if i >= 0 && i < len(lines) {
			return uint32(utf16Len(lines[i]))
		}
		return 0
	}

	var out []protocol.DocumentSymbol
	for _, fn := range idx.functions {
		end := fn.EndLine
		if end < fn.Line {
			end = fn.Line
		}
		var children []protocol.DocumentSymbol
		labels := append([]string(nil), fn.order...)
		sort.SliceStable(labels, func(i, j int) bool { return fn.Labels[labels[i]].Line < fn.Labels[labels[j]].Line })
		for _, name := range labels {
			l := fn.Labels[name]
			r := nameRange(l)
			children = append(children, protocol.DocumentSymbol{
				Name:           l.Name,
				Kind:           protocol.SymbolKindKey,
				Range:          r,
				SelectionRange: r,
			})
		}
		detail := fn.Detail
		out = append(out, protocol.DocumentSymbol{
			Name:   fn.Name,
			Detail: &detail,
			Kind:   protocol.SymbolKindFunction,
			Range: protocol.Range{
				Start: protocol.Position{Line: uint32(fn.Line), Character: 0},
				End:   protocol.Position{Line: uint32(end), Character: lineLen(end)},
			},
			SelectionRange: nameRange(fn.symbol),
			Children:       children,
		})
	}
	return out
}

func nameRange(s symbol) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: uint32(s.Line), Character: uint32(s.Column)},
		End:   protocol.Position{Line: uint32(s.Line), Character: uint32(s.Column + utf16Len(s.Name))},
	}
}

// --- Diagnostics ---

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	diagnostics := lspDiagnostics(text, s.entry)
	lspLog.Debugf("%s: %d diagnostics", uri, len(diagnostics))
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

func lspDiagnostics(text, entry string) []protocol.Diagnostic {
	_, _, diags := Diagnose(text, entry)
	lines := strings.Split(text, "\n")
	source := lspName

	out := make([]protocol.Diagnostic, 0, len(diags))
	for _, d := range diags {
		line := d.Line - 1
		if line < 0 {
			line = 0
		}
		start, end := 0, 0
		if line < len(lines) {
			src := lines[line]
			end = utf16Len(src)
			if d.Column > 0 && d.Column-1 <= len(src) {
				start = utf16Len(src[:d.Column-1])
			}
		}
		if end < start {
			end = start
		}
		severity := protocol.DiagnosticSeverityError
		if d.Severity == SeverityWarning {
			severity = protocol.DiagnosticSeverityWarning
		}
		out = append(out, protocol.Diagnostic{
			Range: protocol.Range{
				Start: protocol.Position{Line: uint32(line), Character: uint32(start)},
				End:   protocol.Position{Line: uint32(line), Character: uint32(end)},
			},
			Severity: &severity,
			Source:   &source,
			Message:  d.Message,
		})
	}
	return out
}

// --- Text extraction helpers ---

func isWordChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}

// lineAt returns the line under pos and the cursor's byte offset in it.
// pos.Character counts UTF-16 code units.
func lineAt(text string, pos protocol.Position) (string, int, bool) {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return "", 0, false
	}
	line := lines[pos.Line]
	units := 0
	for i, r := range line {
		if units >= int(pos.Character) {
			return line, i, true
		}
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		units += n
	}
	return line, len(line), true
}

// utf16Len returns the length of s in UTF-16 code units.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if l := utf16.RuneLen(r); l > 0 {
			n += l
		} else {
			n++
		}
	}
	return n
}

// wordStart walks back from byte offset col to the start of the identifier.
func wordStart(line string, col int) int {
	for col > 0 {
		r, size := utf8.DecodeLastRuneInString(line[:col])
		if !isWordChar(r) {
			break
		}
		col -= size
	}
	return col
}

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	line, col, ok := lineAt(text, pos)
	if !ok {
		return ""
	}
	return line[wordStart(line, col):col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	line, col, ok := lineAt(text, pos)
	if !ok {
		return ""
	}
	end := col
	for end < len(line) {
		r, size := utf8.DecodeRuneInString(line[end:])
		if !isWordChar(r) {
			break
		}
		end += size
	}
	return line[wordStart(line, col):end]
}

func boolPtr(b bool) *bool {
	return &b
}

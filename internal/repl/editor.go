package repl

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"
)

var (
	// ErrInterrupted is returned by ReadLine when the user presses Ctrl-C.
	ErrInterrupted = errors.New("interrupted")
	// ErrClosed is returned by ReadLine once the input has ended.
	ErrClosed = errors.New("repl: input closed")
)

const defaultHistoryLimit = 500

// LineReader is a single-line editor for a terminal in raw mode. Output
// written through it appears above the prompt, which is then redrawn.
type LineReader struct {
	out    io.Writer
	keys   chan key
	limit  int
	mu     sync.Mutex
	prompt string
	ed     lineEditor
	active bool

	history []string
	histIdx int
	draft   string
}

// NewLineReader starts decoding keys from in.
func NewLineReader(in io.Reader, out io.Writer, prompt string) *LineReader {
	l := &LineReader{out: out, keys: make(chan key, 64), prompt: prompt, limit: defaultHistoryLimit}
	go readKeys(in, l.keys)
	return l
}

// ReadLine blocks until a line is entered. Ctrl-D on an empty line yields
// io.EOF.
func (l *LineReader) ReadLine() (string, error) {
	l.mu.Lock()
	l.ed.Clear()
	l.active = true
	l.histIdx = len(l.history)
	l.draft = ""
	l.render()
	l.mu.Unlock()

	for k := range l.keys {
		l.mu.Lock()
		line, done, err := l.handle(k)
		if done {
			l.active = false
			_, _ = io.WriteString(l.out, "\r\n")
			l.mu.Unlock()
			return line, err
		}
		l.render()
		l.mu.Unlock()
	}
	l.mu.Lock()
	l.active = false
	l.mu.Unlock()
	return "", ErrClosed
}

func (l *LineReader) handle(k key) (string, bool, error) {
	e := &l.ed
	switch k.kind {
	case keyRune:
		e.InsertRune(k.r)
	case keyEnter:
		line := e.String()
		l.addHistory(line)
		return line, true, nil
	case keyBackspace:
		e.Backspace()
	case keyDelete:
		e.Delete()
	case keyLeft:
		e.MoveLeft()
	case keyRight:
		e.MoveRight()
	case keyHome, keyCtrlA:
		e.MoveStart()
	case keyEnd, keyCtrlE:
		e.MoveEnd()
	case keyAltB:
		e.MoveWordLeft()
	case keyAltF:
		e.MoveWordRight()
	case keyCtrlW:
		e.DeleteWordBackward()
	case keyCtrlU:
		e.KillLineStart()
	case keyCtrlK:
		e.KillLineEnd()
	case keyUp:
		l.historyUp()
	case keyDown:
		l.historyDown()
	case keyCtrlL:
		_, _ = io.WriteString(l.out, "\x1b[H\x1b[2J")
	case keyCtrlC:
		_, _ = io.WriteString(l.out, "^C")
		return "", true, ErrInterrupted
	case keyCtrlD:
		if e.Len() == 0 {
			return "", true, io.EOF
		}
		e.Delete()
	}
	return "", false, nil
}

func (l *LineReader) render() {
	var b strings.Builder
	b.WriteString("\r")
	b.WriteString(l.prompt)
	b.WriteString(l.ed.String())
	b.WriteString("\x1b[K")
	if back := l.ed.Len() - l.ed.cursor; back > 0 {
		fmt.Fprintf(&b, "\x1b[%dD", back)
	}
	_, _ = io.WriteString(l.out, b.String())
}

// Write prints p above the prompt. Newlines become CRLF for raw mode.
func (l *LineReader) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var b bytes.Buffer
	if l.active {
		b.WriteString("\r\x1b[K")
	}
	b.Write(crlf(p))
	if l.active {
		if len(p) > 0 && p[len(p)-1] != '\n' {
			b.WriteString("\r\n")
		}
	}
	if _, err := l.out.Write(b.Bytes()); err != nil {
		return 0, err
	}
	if l.active {
		l.render()
	}
	return len(p), nil
}

// SetPrompt changes the prompt for the next redraw.
func (l *LineReader) SetPrompt(prompt string) {
	l.mu.Lock()
	l.prompt = prompt
	l.mu.Unlock()
}

func crlf(p []byte) []byte {
	if !bytes.Contains(p, []byte{'\n'}) {
		return p
	}
	out := make([]byte, 0, len(p)+8)
	for i, c := range p {
		if c == '\n' && (i == 0 || p[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, c)
	}
	return out
}

func (l *LineReader) addHistory(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if n := len(l.history); n > 0 && l.history[n-1] == line {
		return
	}
	l.history = append(l.history, line)
	if len(l.history) > l.limit {
		l.history = l.history[len(l.history)-l.limit:]
	}
}

func (l *LineReader) historyUp() {
	if l.histIdx == 0 {
		return
	}
	if l.histIdx == len(l.history) {
		l.draft = l.ed.String()
	}
	l.histIdx--
	l.ed.SetString(l.history[l.histIdx])
}

func (l *LineReader) historyDown() {
	if l.histIdx >= len(l.history) {
		return
	}
	l.histIdx++
	if l.histIdx == len(l.history) {
		l.ed.SetString(l.draft)
		return
	}
	l.ed.SetString(l.history[l.histIdx])
}

// History returns a copy of the entered lines, oldest first.
func (l *LineReader) History() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.history...)
}

// LoadHistory reads one entry per line. A missing file is not an error.
func (l *LineReader) LoadHistory(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	l.mu.Lock()
	defer l.mu.Unlock()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := sc.Text(); utf8.ValidString(line) {
			l.addHistory(line)
		}
	}
	return sc.Err()
}

// SaveHistory replaces the file at path with the current history.
func (l *LineReader) SaveHistory(path string) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	var b strings.Builder
	for _, line := range l.History() {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(dir, "history-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type lineEditor struct {
	buf    []rune
	cursor int
}

func (e *lineEditor) String() string {
	return string(e.buf)
}

func (e *lineEditor) Len() int {
	return len(e.buf)
}

func (e *lineEditor) Clear() {
	e.buf = nil
	e.cursor = 0
}

func (e *lineEditor) SetString(value string) {
	if value == "" {
		e.Clear()
		return
	}
	e.buf = []rune(value)
	e.cursor = len(e.buf)
}

func (e *lineEditor) InsertRune(r rune) {
	e.cursor = max(0, min(e.cursor, len(e.buf)))
	e.buf = append(e.buf[:e.cursor], append([]rune{r}, e.buf[e.cursor:]...)...)
	e.cursor++
}

func (e *lineEditor) Backspace() {
	if e.cursor <= 0 {
		return
	}
	e.buf = append(e.buf[:e.cursor-1], e.buf[e.cursor:]...)
	e.cursor--
}

func (e *lineEditor) Delete() {
	if e.cursor < 0 || e.cursor >= len(e.buf) {
		return
	}
	e.buf = append(e.buf[:e.cursor], e.buf[e.cursor+1:]...)
}

func (e *lineEditor) MoveLeft() {
	if e.cursor > 0 {
		e.cursor--
	}
}

func (e *lineEditor) MoveRight() {
	if e.cursor < len(e.buf) {
		e.cursor++
	}
}

func (e *lineEditor) MoveStart() {
	e.cursor = 0
}

func (e *lineEditor) MoveEnd() {
	e.cursor = len(e.buf)
}

func (e *lineEditor) MoveWordLeft() {
	i := e.cursor
	for i > 0 && isSpaceRune(e.buf[i-1]) {
		i--
	}
	for i > 0 && !isSpaceRune(e.buf[i-1]) {
		i--
	}
	e.cursor = i
}

func (e *lineEditor) MoveWordRight() {
	i := e.cursor
	for i < len(e.buf) && isSpaceRune(e.buf[i]) {
		i++
	}
	for i < len(e.buf) && !isSpaceRune(e.buf[i]) {
		i++
	}
	e.cursor = i
}

func (e *lineEditor) DeleteWordBackward() {
	if e.cursor <= 0 {
		return
	}
	end := e.cursor
	e.MoveWordLeft()
	e.buf = append(e.buf[:e.cursor], e.buf[end:]...)
}

func (e *lineEditor) KillLineStart() {
	e.buf = e.buf[e.cursor:]
	e.cursor = 0
}

func (e *lineEditor) KillLineEnd() {
	e.buf = e.buf[:e.cursor]
}

func isSpaceRune(r rune) bool {
	return r == ' ' || r == '\t'
}

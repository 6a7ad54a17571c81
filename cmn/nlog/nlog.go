// Package nlog provides the buffered, leveled, rotating logger used
// throughout the cluster synchronization core: timestamped, per-severity
// log files plus an optional stderr mirror.
package nlog

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ivs-cluster/clustersync/cmn/mono"
)

const (
	maxLineSize  = 2 * 1024
	flushPeriod  = 2 * time.Second
	dfltMaxBytes = 4 * 1024 * 1024
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}
var sevName = [...]string{sevInfo: "INFO", sevWarn: "WARN", sevErr: "ERROR"}

type nlog struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	file    *os.File
	sev     severity
	written int64
	last    int64 // mono.NanoTime of last flush
}

var (
	nlogs [3]*nlog

	logDir       string
	aisrole      string
	title        string
	toStderr     bool
	alsoToStderr bool

	host string

	onceInitFiles sync.Once
)

func init() {
	host, _ = os.Hostname()
	for s := sevInfo; s <= sevErr; s++ {
		nlogs[s] = &nlog{sev: s}
	}
}

func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", false, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
}

func SetLogDirRole(dir, role string) { logDir, aisrole = dir, role }
func SetTitle(s string)              { title = s }

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }

func InfoLogName() string { return sname() + ".INFO" }
func ErrLogName() string  { return sname() + ".ERROR" }

// main entry point: every call above funnels through here
func log(sev severity, depth int, format string, args ...any) {
	onceInitFiles.Do(initFiles)

	line := format1(sev, depth, format, args...)

	if !flag.Parsed() || toStderr {
		os.Stderr.WriteString(line)
		if toStderr {
			return
		}
	} else if alsoToStderr || sev >= sevWarn {
		os.Stderr.WriteString(line)
	}

	// mirror warnings and errors into the ERROR file in addition to INFO
	if sev >= sevWarn {
		nlogs[sevErr].write(line)
	}
	nlogs[sevInfo].write(line)
}

func format1(sev severity, depth int, format string, args ...any) string {
	var b bytes.Buffer
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(3 + depth); ok {
		if idx := strings.LastIndexByte(fn, filepath.Separator); idx >= 0 {
			fn = fn[idx+1:]
		}
		b.WriteString(fn)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ln))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		if b.Len() == 0 || b.Bytes()[b.Len()-1] != '\n' {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (n *nlog) write(line string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.file == nil {
		// logging before a file could be opened (e.g. no log directory set): stderr only
		return
	}
	n.buf.WriteString(line)
	now := mono.NanoTime()
	if n.buf.Len() >= maxLineSize || time.Duration(now-n.last) > flushPeriod {
		n.flushLocked()
	}
	if n.written+int64(n.buf.Len()) >= dfltMaxBytes {
		n.rotateLocked(time.Now())
	}
}

// under n.mu
func (n *nlog) flushLocked() {
	if n.buf.Len() == 0 {
		return
	}
	w, err := n.file.Write(n.buf.Bytes())
	n.written += int64(w)
	n.last = mono.NanoTime()
	n.buf.Reset()
	if err != nil {
		// best-effort logger: surface to stderr, keep going
		os.Stderr.WriteString("nlog: write failed: " + err.Error() + "\n")
	}
}

func (n *nlog) rotateLocked(now time.Time) {
	n.flushLocked()
	if n.file != nil {
		n.file.Close()
	}
	f, err := fcreate(sevName[n.sev], now)
	if err != nil {
		n.file = nil
		return
	}
	n.file = f
	n.written = 0
	hdr := fmt.Sprintf("# %s rotated at %s on %s/%s\n", title, now.Format(time.RFC3339), runtime.GOOS, runtime.GOARCH)
	n.file.WriteString(hdr)
}

func initFiles() {
	if logDir == "" || toStderr {
		return
	}
	now := time.Now()
	for s := sevInfo; s <= sevErr; s++ {
		f, err := fcreate(sevName[s], now)
		if err != nil {
			continue
		}
		nlogs[s].mu.Lock()
		nlogs[s].file = f
		nlogs[s].mu.Unlock()
	}
}

func fcreate(tag string, t time.Time) (*os.File, error) {
	name := fmt.Sprintf("%s.%s.%s.%s", sname(), host, tag, t.Format("0102-150405"))
	return os.OpenFile(filepath.Join(logDir, name), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
}

func sname() string {
	if aisrole != "" {
		return aisrole
	}
	return "clustersync"
}

// Flush forces any buffered output to disk. exit[0]==true additionally
// closes the underlying files (used on process termination).
func Flush(exit ...bool) {
	ex := len(exit) > 0 && exit[0]
	for _, n := range nlogs {
		n.mu.Lock()
		n.flushLocked()
		if ex && n.file != nil {
			n.file.Sync()
			n.file.Close()
		}
		n.mu.Unlock()
	}
}

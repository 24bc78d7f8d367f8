package listen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

type ListenTransportSettings struct {
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
	// maximum wait for the next chunk. Exceeding it is a fatal timeout
	// error, not a silent retry.
	ReadTimeout     time.Duration
	ChunkBufferSize int
	// optional caller trace sink, in addition to glog. Lines are tagged
	// with the request id and gated on GlobalLogLevel debug.
	Log LogFunction
}

func DefaultListenTransportSettings() *ListenTransportSettings {
	return &ListenTransportSettings{
		HttpConnectTimeout: defaultHttpConnectTimeout,
		HttpTlsTimeout:     defaultHttpTlsTimeout,
		ReadTimeout:        2 * time.Minute,
		ChunkBufferSize:    4096,
	}
}

// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
// note there is no overall client timeout. The response body stays open for
// the lifetime of the stream; the per-chunk ReadTimeout bounds waits instead.
func streamingClient(settings *ListenTransportSettings) *http.Client {
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
	}
}

// ListenTransport is a live chunk source for one listen request. The
// response status and headers are surfaced before any chunk is read, and a
// non-2xx status fails the open before any event is produced. The transport
// is owned by exactly one stream for its lifetime.
type ListenTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	requestId string
	log       LogFunction

	response *http.Response
	buffer   []byte

	timedOut  atomic.Bool
	closeOnce sync.Once

	settings *ListenTransportSettings
}

func OpenListenTransportWithDefaults(ctx context.Context, url string, header http.Header) (*ListenTransport, error) {
	return OpenListenTransport(ctx, url, header, DefaultListenTransportSettings())
}

func OpenListenTransport(ctx context.Context, url string, header http.Header, settings *ListenTransportSettings) (*ListenTransport, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	requestId := ulid.Make().String()
	var logFunction LogFunction
	if settings.Log != nil {
		logFunction = SubLogFn(LogLevelDebug, settings.Log, requestId)
	}

	req, err := http.NewRequestWithContext(cancelCtx, "GET", url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Request-Id", requestId)

	client := streamingClient(settings)
	r, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		responseBodyBytes, _ := io.ReadAll(r.Body)
		r.Body.Close()
		cancel()
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = r.Status
		}
		return nil, fmt.Errorf("listen %s: %s", r.Status, errorMessage)
	}

	glog.V(2).Infof("[lt]open %s %s\n", requestId, r.Status)
	if logFunction != nil {
		logFunction("open %s", r.Status)
	}

	return &ListenTransport{
		ctx:       cancelCtx,
		cancel:    cancel,
		requestId: requestId,
		log:       logFunction,
		response:  r,
		buffer:    make([]byte, settings.ChunkBufferSize),
		settings:  settings,
	}, nil
}

func (self *ListenTransport) trace(format string, a ...any) {
	if self.log != nil {
		self.log(format, a...)
	}
}

func (self *ListenTransport) RequestId() string {
	return self.requestId
}

func (self *ListenTransport) Status() int {
	return self.response.StatusCode
}

func (self *ListenTransport) Header() http.Header {
	return self.response.Header
}

// ReadChunk blocks for the next chunk of bytes. An `http.Response` body has
// no read deadline, so the wait is bounded by arming a timer that cancels
// the request context. io.EOF marks normal end of stream.
func (self *ListenTransport) ReadChunk() (string, error) {
	timeout := time.AfterFunc(self.settings.ReadTimeout, func() {
		self.timedOut.Store(true)
		self.cancel()
	})
	n, err := self.response.Body.Read(self.buffer)
	timeout.Stop()

	if 0 < n {
		glog.V(2).Infof("[lt]%s<- %db\n", self.requestId, n)
		self.trace("<- %db", n)
		// a read can return bytes together with an error. Deliver the bytes;
		// the next read surfaces the error again.
		return string(self.buffer[:n]), nil
	}
	if err != nil {
		if self.timedOut.Load() {
			return "", fmt.Errorf("listen read timeout after %s", self.settings.ReadTimeout)
		}
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", err
	}
	return "", nil
}

// Close is idempotent. The first close tears the connection down; later
// closes are no-ops.
func (self *ListenTransport) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
		self.response.Body.Close()
		glog.V(2).Infof("[lt]close %s\n", self.requestId)
		self.trace("close")
	})
}

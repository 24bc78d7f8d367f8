package listen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const DefaultApiVersion = "v2021-10-21"

// host pattern for project api endpoints. `ApiUrl` in the client options
// overrides this for private deployments and tests.
const defaultApiHost = "api.contentlake.io"

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

var projectIdRe = regexp.MustCompile(`^[a-z0-9]+$`)
var datasetRe = regexp.MustCompile(`^[a-z0-9][-_a-z0-9]*$`)

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// ClientOptions is the fixed option set for a project/dataset client.
type ClientOptions struct {
	// required
	ProjectId string
	// required
	Dataset string
	// defaults to DefaultApiVersion
	ApiVersion string
	// optional. Sent as a bearer auth header when present.
	Token string
	// overrides the derived project endpoint, e.g. for tests
	ApiUrl string
}

func (self *ClientOptions) validate() error {
	if self.ProjectId == "" {
		return errors.New("projectId is required")
	}
	if !projectIdRe.MatchString(self.ProjectId) {
		return fmt.Errorf("invalid projectId %q", self.ProjectId)
	}
	if self.Dataset == "" {
		return errors.New("dataset is required")
	}
	if !datasetRe.MatchString(self.Dataset) {
		return fmt.Errorf("invalid dataset %q", self.Dataset)
	}
	if self.ApiVersion == "" {
		self.ApiVersion = DefaultApiVersion
	}
	return nil
}

// QueryParam is one extra query parameter. Params are appended to the
// request in list order.
type QueryParam struct {
	Key   string
	Value string
}

// ListenQuery describes the filter for a listen request: a filter
// expression, its variable bindings, and extra query parameters.
type ListenQuery struct {
	Query     string
	Variables map[string]any
	Params    []QueryParam
}

type ContentLakeApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl  string
	options *ClientOptions

	transportSettings *ListenTransportSettings
}

func NewContentLakeApi(options *ClientOptions) (*ContentLakeApi, error) {
	return NewContentLakeApiWithContext(context.Background(), options, DefaultListenTransportSettings())
}

func NewContentLakeApiWithContext(
	ctx context.Context,
	options *ClientOptions,
	transportSettings *ListenTransportSettings,
) (*ContentLakeApi, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}

	apiUrl := options.ApiUrl
	if apiUrl == "" {
		apiUrl = fmt.Sprintf("https://%s.%s", options.ProjectId, defaultApiHost)
	}

	if options.Token != "" {
		// the server is authoritative for auth. Inspecting the token here
		// only surfaces obviously doomed streams early.
		if claims, err := ParseTokenUnverified(options.Token); err == nil {
			if claims.ProjectId != "" && claims.ProjectId != options.ProjectId {
				glog.Infof("[api]token project %s does not match %s\n", claims.ProjectId, options.ProjectId)
			}
			if !claims.ExpirationTime.IsZero() && claims.ExpirationTime.Before(time.Now()) {
				glog.Infof("[api]token expired at %s\n", claims.ExpirationTime)
			}
		}
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	return &ContentLakeApi{
		ctx:               cancelCtx,
		cancel:            cancel,
		apiUrl:            apiUrl,
		options:           options,
		transportSettings: transportSettings,
	}, nil
}

// listenUrl builds `GET /{apiVersion}/data/listen/{dataset}?{query}`. The
// query string is the filter expression, then the json-encoded `$variable`
// bindings in sorted key order, then the extra params in list order.
func (self *ContentLakeApi) listenUrl(query *ListenQuery) (string, error) {
	values := []string{
		fmt.Sprintf("query=%s", url.QueryEscape(query.Query)),
	}

	variableKeys := maps.Keys(query.Variables)
	slices.Sort(variableKeys)
	for _, key := range variableKeys {
		valueJson, err := json.Marshal(query.Variables[key])
		if err != nil {
			return "", err
		}
		values = append(values, fmt.Sprintf(
			"%s=%s",
			url.QueryEscape("$"+key),
			url.QueryEscape(string(valueJson)),
		))
	}

	for _, param := range query.Params {
		values = append(values, fmt.Sprintf(
			"%s=%s",
			url.QueryEscape(param.Key),
			url.QueryEscape(param.Value),
		))
	}

	return fmt.Sprintf(
		"%s/%s/data/listen/%s?%s",
		self.apiUrl,
		self.options.ApiVersion,
		self.options.Dataset,
		strings.Join(values, "&"),
	), nil
}

func (self *ContentLakeApi) authHeader() http.Header {
	header := http.Header{}
	if self.options.Token != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", self.options.Token))
	}
	return header
}

// Listen opens the event stream for a query. The returned stream owns the
// connection; the caller must Close it or drain it to exhaustion.
func (self *ContentLakeApi) Listen(query *ListenQuery) (*ListenStream, error) {
	url, err := self.listenUrl(query)
	if err != nil {
		return nil, err
	}
	transport, err := OpenListenTransport(self.ctx, url, self.authHeader(), self.transportSettings)
	if err != nil {
		return nil, err
	}
	return NewListenStream(self.ctx, transport), nil
}

type GetDocumentsCallback apiCallback[*GetDocumentsResult]

type GetDocumentsResult struct {
	Documents []Document `json:"documents"`
}

// GetDocuments fetches documents by id. Ids that do not exist are simply
// missing from the result.
func (self *ContentLakeApi) GetDocuments(documentIds []string, callback GetDocumentsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf(
			"%s/%s/data/doc/%s/%s",
			self.apiUrl,
			self.options.ApiVersion,
			self.options.Dataset,
			url.PathEscape(strings.Join(documentIds, ",")),
		),
		self.options.Token,
		&GetDocumentsResult{},
		callback,
	)
}

func (self *ContentLakeApi) GetDocumentsSync(documentIds []string) (*GetDocumentsResult, error) {
	callback, c := NewBlockingApiCallback[*GetDocumentsResult]()
	self.GetDocuments(documentIds, callback)
	r := <-c
	return r.Result, r.Error
}

// GetDocumentPairSync fetches the current published/draft pair for a
// document id. Either side may be nil.
func (self *ContentLakeApi) GetDocumentPairSync(documentId string) (published Document, draft Document, err error) {
	result, err := self.GetDocumentsSync([]string{documentId, DraftId(documentId)})
	if err != nil {
		return nil, nil, err
	}
	for _, document := range result.Documents {
		switch document["_id"] {
		case documentId:
			published = document
		case DraftId(documentId):
			draft = document
		}
	}
	return published, draft, nil
}

// ListenDocument fetches the current pair for a document id, then streams
// deduplicated snapshots of the effective document as mutations arrive.
func (self *ContentLakeApi) ListenDocument(documentId string) (*DocumentStream, error) {
	published, draft, err := self.GetDocumentPairSync(documentId)
	if err != nil {
		return nil, err
	}

	stream, err := self.Listen(&ListenQuery{
		Query: "_id in [$documentId, $draftId]",
		Variables: map[string]any{
			"documentId": documentId,
			"draftId":    DraftId(documentId),
		},
		Params: []QueryParam{
			{Key: "includeResult", Value: "true"},
		},
	})
	if err != nil {
		return nil, err
	}

	return NewDocumentStream(self.ctx, stream, documentId, published, draft), nil
}

// Close cancels all in-flight calls and streams opened through this api.
func (self *ContentLakeApi) Close() {
	self.cancel()
}

func get[R any](ctx context.Context, url string, token string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Accept", "application/json")

	if token != "" {
		auth := fmt.Sprintf("Bearer %s", token)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

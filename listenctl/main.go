package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/contentlake/listen-go"
)

const ListenCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Listen control.

Tails a dataset's listen stream, fetches document pairs, or relays the
stream to websocket subscribers. The token is taken from --token, the
CONTENTLAKE_TOKEN environment variable, or an interactive prompt.

Usage:
    listenctl tail --project=<project> --dataset=<dataset>
        [--query=<query>]
        [--document=<document_id>]
        [--api_version=<api_version>]
        [--api_url=<api_url>]
        [--token=<token>]
    listenctl doc --project=<project> --dataset=<dataset> <document_id>
        [--api_version=<api_version>]
        [--api_url=<api_url>]
        [--token=<token>]
    listenctl relay --project=<project> --dataset=<dataset> --query=<query>
        [--listen_addr=<listen_addr>]
        [--api_version=<api_version>]
        [--api_url=<api_url>]
        [--token=<token>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --project=<project>          Project id.
    --dataset=<dataset>          Dataset name.
    --query=<query>              Filter expression [default: *].
    --document=<document_id>     Reconcile one document id and print
                                 deduplicated snapshots instead of raw events.
    --api_version=<api_version>
    --api_url=<api_url>          Override the project api endpoint.
    --token=<token>              Bearer token.
    --listen_addr=<listen_addr>  Relay bind address [default: 127.0.0.1:8123].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ListenCtlVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if doc_, _ := opts.Bool("doc"); doc_ {
		doc(opts)
	} else if relay_, _ := opts.Bool("relay"); relay_ {
		relay(opts)
	} else {
		docopt.PrintHelpAndExit(nil, usage)
	}
}

func apiFromOpts(opts docopt.Opts) *listen.ContentLakeApi {
	projectId, _ := opts.String("--project")
	dataset, _ := opts.String("--dataset")
	apiVersion, _ := opts.String("--api_version")
	apiUrl, _ := opts.String("--api_url")

	api, err := listen.NewContentLakeApi(&listen.ClientOptions{
		ProjectId:  projectId,
		Dataset:    dataset,
		ApiVersion: apiVersion,
		ApiUrl:     apiUrl,
		Token:      resolveToken(opts),
	})
	if err != nil {
		Err.Fatalf("%s", err)
	}
	return api
}

func resolveToken(opts docopt.Opts) string {
	if token, err := opts.String("--token"); err == nil && token != "" {
		return token
	}
	if token := os.Getenv("CONTENTLAKE_TOKEN"); token != "" {
		return token
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "token (empty for anonymous): ")
		tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err == nil {
			return strings.TrimSpace(string(tokenBytes))
		}
	}
	return ""
}

func closeOnInterrupt(close func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		close()
	}()
}

func tail(opts docopt.Opts) {
	api := apiFromOpts(opts)
	defer api.Close()

	if documentId, err := opts.String("--document"); err == nil && documentId != "" {
		tailDocument(api, documentId)
		return
	}

	query, _ := opts.String("--query")
	stream, err := api.Listen(&listen.ListenQuery{
		Query: query,
		Params: []listen.QueryParam{
			{Key: "includeResult", Value: "true"},
		},
	})
	if err != nil {
		Err.Fatalf("%s", err)
	}
	closeOnInterrupt(stream.Close)

	for event := range stream.Events() {
		Out.Printf("%s", eventJson(event))
	}
	if err := stream.Err(); err != nil {
		Err.Fatalf("%s", err)
	}
}

func tailDocument(api *listen.ContentLakeApi, documentId string) {
	documentStream, err := api.ListenDocument(documentId)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	closeOnInterrupt(documentStream.Close)

	for snapshot := range documentStream.Documents() {
		snapshotJson, err := json.Marshal(snapshot)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		Out.Printf("%s", snapshotJson)
	}
	if err := documentStream.Err(); err != nil {
		Err.Fatalf("%s", err)
	}
}

func doc(opts docopt.Opts) {
	api := apiFromOpts(opts)
	defer api.Close()

	documentId, _ := opts.String("<document_id>")

	published, draft, err := api.GetDocumentPairSync(documentId)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	pairJson, err := json.MarshalIndent(map[string]any{
		"published": published,
		"draft":     draft,
	}, "", "  ")
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", pairJson)
}

// one listen stream fanned out to any number of websocket subscribers. The
// core deliberately supports a single consumer per stream; this is the
// caller-side broadcast.
type relayHub struct {
	upgrader websocket.Upgrader

	mutex sync.Mutex
	conns map[*websocket.Conn]bool
}

func newRelayHub() *relayHub {
	return &relayHub{
		conns: map[*websocket.Conn]bool{},
	}
}

func (self *relayHub) subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	self.mutex.Lock()
	self.conns[conn] = true
	self.mutex.Unlock()

	// subscribers are write-only. Reading just detects the close.
	go func() {
		defer self.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (self *relayHub) drop(conn *websocket.Conn) {
	self.mutex.Lock()
	delete(self.conns, conn)
	self.mutex.Unlock()
	conn.Close()
}

func (self *relayHub) broadcast(message []byte) {
	self.mutex.Lock()
	conns := make([]*websocket.Conn, 0, len(self.conns))
	for conn := range self.conns {
		conns = append(conns, conn)
	}
	self.mutex.Unlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			self.drop(conn)
		}
	}
}

func (self *relayHub) closeAll() {
	self.mutex.Lock()
	conns := make([]*websocket.Conn, 0, len(self.conns))
	for conn := range self.conns {
		conns = append(conns, conn)
	}
	self.conns = map[*websocket.Conn]bool{}
	self.mutex.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func relay(opts docopt.Opts) {
	api := apiFromOpts(opts)
	defer api.Close()

	query, _ := opts.String("--query")
	listenAddr, _ := opts.String("--listen_addr")

	stream, err := api.Listen(&listen.ListenQuery{
		Query: query,
		Params: []listen.QueryParam{
			{Key: "includeResult", Value: "true"},
		},
	})
	if err != nil {
		Err.Fatalf("%s", err)
	}
	closeOnInterrupt(stream.Close)

	hub := newRelayHub()
	defer hub.closeAll()

	server := &http.Server{
		Addr: listenAddr,
	}
	http.HandleFunc("/events", hub.subscribe)

	go func() {
		defer server.Close()
		for event := range stream.Events() {
			hub.broadcast(eventJson(event))
		}
		if err := stream.Err(); err != nil {
			Err.Printf("%s", err)
		}
	}()

	Err.Printf("relaying to ws://%s/events", listenAddr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		Err.Fatalf("%s", err)
	}
}

func eventJson(event listen.Event) []byte {
	eventJson, err := json.Marshal(map[string]any{
		"kind": event.Kind,
		"id":   event.Id,
		"data": event.Data,
	})
	if err != nil {
		Err.Fatalf("%s", err)
	}
	return eventJson
}

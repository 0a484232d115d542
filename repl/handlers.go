package repl

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/drpcorg/stubindex/stubtree"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func AddCorsHeaders(f func(w http.ResponseWriter, req *http.Request)) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "86400")
		f(w, req)
	}
}

// QueryHandler answers GET ?index=...&key=... with a JSON list of file ids.
func QueryHandler(repl *REPL) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		switch method := req.Method; method {
		case "OPTIONS":
			w.Header().Set("Access-Control-Allow-Methods", "GET")
			w.WriteHeader(http.StatusNoContent)
		case "GET":
			q := req.URL.Query()
			key, dk, err := repl.parseDataKey(q.Get("index"), q.Get("key"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			files, err := repl.Index.Query(key, dk)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if files == nil {
				files = []uint32{}
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(files)
		default:
			http.Error(w, fmt.Sprintf("Unsupported method %s", req.Method), http.StatusMethodNotAllowed)
		}
	}
}

// TreeHandler answers GET ?file=... with the stored tree dump.
func TreeHandler(repl *REPL) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		switch method := req.Method; method {
		case "OPTIONS":
			w.Header().Set("Access-Control-Allow-Methods", "GET")
			w.WriteHeader(http.StatusNoContent)
		case "GET":
			fileID, err := parseFileID(req.URL.Query().Get("file"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			root, err := repl.Index.Tree(fileID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
				return
			}
			if root == nil {
				http.Error(w, fmt.Sprintf("file %d is not indexed", fileID), http.StatusNotFound)
				return
			}
			var txt strings.Builder
			stubtree.Dump(&txt, root)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(txt.String()))
		default:
			http.Error(w, fmt.Sprintf("Unsupported method %s", req.Method), http.StatusMethodNotAllowed)
		}
	}
}

// Handler serves the query endpoints and the index metrics.
func Handler(repl *REPL) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	for _, c := range repl.Index.Metrics() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/query", AddCorsHeaders(QueryHandler(repl)))
	mux.HandleFunc("/tree", AddCorsHeaders(TreeHandler(repl)))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux, nil
}

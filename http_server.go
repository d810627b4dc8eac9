package mpptdbg

import (
	"encoding/json"
	"html/template"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

const bufferSize = 256

// Serves the live plots: /ws streams binary plot messages (ws_protocol.go),
// /metadata describes the variables, /chart returns the latest rendered PNG of
// one variable and / is a page showing every chart.
type HttpServer struct {
	plotBroadcaster *PlotBroadcaster
	charts          *ChartRenderer
	addr            string
	metadata        Metadata
	mux             *http.ServeMux
	logger          logrus.FieldLogger
}

// charts may be nil, in which case /chart always answers 404.
func NewHttpServer(plotBroadcaster *PlotBroadcaster, charts *ChartRenderer, addr string, metadata Metadata) *HttpServer {
	s := &HttpServer{
		plotBroadcaster: plotBroadcaster,
		charts:          charts,
		addr:            addr,
		metadata:        metadata,
		mux:             http.NewServeMux(),
		logger:          logrus.WithField("tag", "HttpServer"),
	}

	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/metadata", s.handleMetadata)
	s.mux.HandleFunc("/chart", s.handleChart)
	s.mux.HandleFunc("/", s.handleIndex)

	return s
}

func (s *HttpServer) Handler() http.Handler {
	return s.mux
}

func (s *HttpServer) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	c, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to accept new websocket connection")
		return
	}

	ctx := req.Context()
	ctx = c.CloseRead(ctx) // This means we no longer want to read from the websocket, which is true because we just want to write.

	metadataMsg, err := EncodeWSMessage(NewWSMessage(MessageTypeMetadata, s.metadata))
	if err != nil {
		s.logger.WithError(err).Error("failed to encode metadata")
		c.Close(websocket.StatusInternalError, "metadata encoding failed")
		return
	}

	if err := c.Write(ctx, websocket.MessageBinary, metadataMsg); err != nil {
		s.logger.WithError(err).Warn("failed to send metadata, closing websocket")
		return
	}

	channel := make(chan WSMessage, bufferSize)
	wg := sync.WaitGroup{}
	wg.Add(1)

	go func() {
		defer wg.Done()
		for {
			select {
			case msg := <-channel:
				encoded, err := EncodeWSMessage(msg)
				if err != nil {
					s.logger.WithError(err).Error("failed to encode plot message, skipping")
					continue
				}

				err = c.Write(ctx, websocket.MessageBinary, encoded)
				if err != nil {
					// At this point the websocket closed, so we don't even need to send anything
					s.logger.WithError(err).Warn("websocket write failed and closed")
					return
				}
			case <-ctx.Done(): // client connection closes causes the req.Context to be canceled
				s.logger.Info("client closed connection or context canceled")
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}()

	// The channel is already being received from in another goroutine and we
	// register the channels in the main thread.
	s.plotBroadcaster.RegisterChannel(ctx, channel)

	// Once the websocket writing thread finishes, we want to deregister the
	// channel from the broadcaster.
	wg.Wait()
	s.plotBroadcaster.DeregisterChannel(ctx, channel)
	close(channel)
}

func (s *HttpServer) handleMetadata(w http.ResponseWriter, req *http.Request) {
	w.Header().Add("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(s.metadata)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
	}
}

func (s *HttpServer) handleChart(w http.ResponseWriter, req *http.Request) {
	label := req.URL.Query().Get("label")
	if label == "" {
		http.Error(w, "missing label", http.StatusBadRequest)
		return
	}

	if s.charts == nil {
		http.NotFound(w, req)
		return
	}

	pngData, ok := s.charts.Latest(label)
	if !ok {
		http.Error(w, "no chart rendered for "+label, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(pngData)
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>mpptdbg</title>
<script>
setInterval(function() {
  for (const img of document.images) {
    img.src = img.dataset.src + "&t=" + Date.now();
  }
}, {{.RefreshMs}});
</script>
</head>
<body>
{{range .Variables}}<figure>
<img data-src="/chart?label={{.Label | urlquery}}" src="/chart?label={{.Label | urlquery}}" alt="{{.Title}}">
<figcaption>{{.Label}} ({{.Unit}})</figcaption>
</figure>
{{end}}</body>
</html>
`))

// The charts of variables that have never been plotted show as broken images
// until their first frame.
func (s *HttpServer) handleIndex(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTemplate.Execute(w, struct {
		Variables []VariableSpec
		RefreshMs int64
	}{s.metadata.Variables, Max(s.metadata.PlotIntervalMs, 100)})
	if err != nil {
		s.logger.WithError(err).Warn("failed to render index page")
	}
}

// Blocks serving HTTP until the listener fails.
func (s *HttpServer) Run() error {
	s.logger.Infof("starting HTTP server at http://%s", s.addr)
	return http.ListenAndServe(s.addr, s.mux)
}

// Command ws_client embarks an itinerary on a running fleetsync service and
// prints the deployment events streamed back over WebSocket.
//
//	go run scripts/ws_client.go -client c1 -itinerary it1 -vehicles v1,v2
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	log.SetHandler(cli.Default)
	host := flag.String("host", "localhost:8080", "service host:port")
	clientID := flag.String("client", "c1", "client id")
	itineraryID := flag.String("itinerary", "it1", "itinerary id")
	vehicles := flag.String("vehicles", "v1", "comma-separated vehicle ids")
	action := flag.String("action", "embark", "embark or disembark")
	wait := flag.Duration("wait", 30*time.Second, "how long to follow events")
	flag.Parse()

	// subscribe first so the queued event is not missed
	u := url.URL{Scheme: "ws", Host: *host, Path: "/v1/deployments/events/ws", RawQuery: "itineraryId=" + url.QueryEscape(*itineraryID)}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.WithError(err).Fatal("dial")
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.WithError(err).Debug("read")
				return
			}
			log.WithField("type", m.Type).Info(string(m.Payload))
		}
	}()

	body, _ := json.Marshal(map[string]any{"clientId": *clientID, "vehicleIds": strings.Split(*vehicles, ",")})
	target := fmt.Sprintf("http://%s/v1/itineraries/%s/%s", *host, url.PathEscape(*itineraryID), *action)
	resp, err := http.Post(target, "application/json", bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Fatal(*action)
	}
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	_ = resp.Body.Close()
	log.WithField("status", resp.StatusCode).Info(strings.TrimSpace(out.String()))
	if resp.StatusCode >= 300 {
		os.Exit(1)
	}

	select {
	case <-time.After(*wait):
	case <-done:
	}
}

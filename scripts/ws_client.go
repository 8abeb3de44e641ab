// Package main drives a simulated vehicle along a demo route over the
// tracker's WebSocket and prints every event it receives.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type stop struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Seq  int     `json:"seq"`
}

var demoStops = []stop{
	{ID: "gate", Name: "Main Gate", Lat: 28.6000, Lng: 77.2000, Seq: 1},
	{ID: "library", Name: "Library", Lat: 28.6045, Lng: 77.2000, Seq: 2},
	{ID: "hostel", Name: "Hostel Block", Lat: 28.6090, Lng: 77.2030, Seq: 3},
}

func main() {
	base := flag.String("base", "http://localhost:8080", "tracker base URL")
	routeID := flag.String("route", "demo-loop", "route id to create")
	step := flag.Duration("step", 2*time.Second, "delay between positions")
	speed := flag.Float64("speed", 9, "reported speed in m/s")
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	// dev auth tokens are role:subject
	const token = "driver:sim-driver"

	if err := call(*base, http.MethodPut, "/v1/routes/"+*routeID, "admin:sim", map[string]any{"name": "Demo Loop", "stops": demoStops}, nil); err != nil {
		log.Fatal().Err(err).Msg("create route")
	}
	var trip struct {
		ID string `json:"id"`
	}
	if err := call(*base, http.MethodPost, "/v1/trips", token, map[string]any{"vehicleId": "sim-bus", "routeId": *routeID}, &trip); err != nil {
		log.Fatal().Err(err).Msg("start trip")
	}
	log.Info().Str("trip", trip.ID).Msg("trip started")

	u, err := url.Parse(*base)
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	u.Scheme = map[string]string{"https": "wss"}[u.Scheme]
	if u.Scheme == "" {
		u.Scheme = "ws"
	}
	u.Path = "/v1/ws"
	u.RawQuery = url.Values{"access_token": {token}}.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal().Err(err).Msg("dial websocket")
	}
	defer func() { _ = conn.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fmt.Println(string(data))
		}
	}()

	if err := conn.WriteJSON(map[string]any{"type": "subscribe", "tripId": trip.ID}); err != nil {
		log.Fatal().Err(err).Msg("subscribe")
	}
	for _, p := range path(demoStops, 8) {
		msg := map[string]any{"type": "position", "tripId": trip.ID, "lat": p[0], "lng": p[1], "speed": *speed}
		if err := conn.WriteJSON(msg); err != nil {
			log.Fatal().Err(err).Msg("send position")
		}
		time.Sleep(*step)
	}
	if err := call(*base, http.MethodPost, "/v1/trips/"+trip.ID+"/end", token, nil, nil); err != nil {
		log.Error().Err(err).Msg("end trip")
	}
	time.Sleep(time.Second)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

// path interpolates n points between consecutive stops and dwells at each.
func path(stops []stop, n int) [][2]float64 {
	var out [][2]float64
	for i := 0; i+1 < len(stops); i++ {
		a, b := stops[i], stops[i+1]
		for k := 0; k < n; k++ {
			f := float64(k) / float64(n)
			out = append(out, [2]float64{a.Lat + (b.Lat-a.Lat)*f, a.Lng + (b.Lng-a.Lng)*f})
		}
	}
	last := stops[len(stops)-1]
	for k := 0; k < 3; k++ {
		out = append(out, [2]float64{last.Lat, last.Lng})
	}
	return out
}

func call(base, method, path, token string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

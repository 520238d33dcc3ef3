package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"golang.org/x/net/websocket"

	"github.com/ksred/klear-negotiation/internal/config"
	"github.com/ksred/klear-negotiation/internal/server"
	"github.com/ksred/klear-negotiation/internal/settlement"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// outcomes counts how mutations ended, keyed by error code or "OK"
type outcomes struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *outcomes) add(code string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[code]++
}

// apiError is the decoded error envelope of a failed call
type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.status, e.code, e.message)
}

// simulationClient handles HTTP communication with the negotiation API
type simulationClient struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"create":  {name: "Create Settlement"},
			"get":     {name: "Get Settlement"},
			"list":    {name: "List Settlements"},
			"revise":  {name: "Revise Amount"},
			"respond": {name: "Respond"},
		},
	}
}

func (sc *simulationClient) record(route string, start time.Time, err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats[route].addDuration(time.Since(start), err != nil)
}

// do sends body as JSON and decodes the envelope's data into out
func (sc *simulationClient) do(route, method, path string, body interface{}, out interface{}) (err error) {
	start := time.Now()
	defer func() { sc.record(route, start, err) }()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if !envelope.Success {
		apiErr := &apiError{status: resp.StatusCode}
		if envelope.Error != nil {
			apiErr.code, apiErr.message = envelope.Error.Code, envelope.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

func (sc *simulationClient) createSettlement(amount decimal.Decimal) (*settlement.Settlement, error) {
	var s settlement.Settlement
	err := sc.do("create", http.MethodPost, "/settlements/", map[string]interface{}{"amount": amount}, &s)
	return &s, err
}

func (sc *simulationClient) getSettlement(id string) (*settlement.Settlement, error) {
	var s settlement.Settlement
	err := sc.do("get", http.MethodGet, "/settlements/"+id, nil, &s)
	return &s, err
}

func (sc *simulationClient) listSettlements() ([]settlement.Settlement, error) {
	var list []settlement.Settlement
	err := sc.do("list", http.MethodGet, "/settlements/", nil, &list)
	return list, err
}

func (sc *simulationClient) revise(id string, amount decimal.Decimal, lastSeen uint64) error {
	return sc.do("revise", http.MethodPut, "/settlements/"+id+"/", map[string]interface{}{
		"amount":    amount,
		"last_seen": lastSeen,
	}, nil)
}

func (sc *simulationClient) respond(id string, accepted bool, newAmount *decimal.Decimal, lastSeen uint64) error {
	body := map[string]interface{}{
		"accepted":  accepted,
		"last_seen": lastSeen,
	}
	if newAmount != nil {
		body["new_amount"] = *newAmount
	}
	return sc.do("respond", http.MethodPost, "/settlements/"+id+"/respond", body, nil)
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	routes := make([]string, 0, len(sc.stats))
	for route := range sc.stats {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	for _, route := range routes {
		stats := sc.stats[route]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

func errorCode(err error) string {
	if err == nil {
		return "OK"
	}
	if apiErr, ok := err.(*apiError); ok {
		return apiErr.code
	}
	return "TRANSPORT_ERROR"
}

func randomAmount() decimal.Decimal {
	return decimal.NewFromInt(int64(rand.Intn(9000) + 1000)).Div(decimal.NewFromInt(100))
}

// negotiate runs the proposer and the counterparty against one settlement
// concurrently until it is agreed or both run out of rounds
func negotiate(sc *simulationClient, id string, rounds int, results *outcomes) {
	var wg conc.WaitGroup

	wg.Go(func() {
		for i := 0; i < rounds; i++ {
			current, err := sc.getSettlement(id)
			if err != nil {
				results.add(errorCode(err))
				return
			}
			if current.Status == settlement.StatusAgreed {
				return
			}
			// The proposer answers counter offers and sometimes resubmits.
			if current.Status == settlement.StatusDisputed || rand.Intn(3) == 0 {
				results.add(errorCode(sc.revise(id, randomAmount(), current.LastSeen)))
			}
			time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
		}
	})

	wg.Go(func() {
		for i := 0; i < rounds; i++ {
			current, err := sc.getSettlement(id)
			if err != nil {
				results.add(errorCode(err))
				return
			}
			if current.Status == settlement.StatusAgreed {
				return
			}
			if rand.Intn(4) == 0 {
				results.add(errorCode(sc.respond(id, true, nil, current.LastSeen)))
			} else {
				amount := randomAmount()
				results.add(errorCode(sc.respond(id, false, &amount, current.LastSeen)))
			}
			time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
		}
	})

	wg.Wait()
}

// listen counts events on the general WebSocket until ctx is done and
// reports any revision that went backwards
func listen(ctx context.Context, baseURL string, received, regressions *int64) error {
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws/general"
	ws, err := websocket.Dial(wsURL, "", baseURL+"/")
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	seen := make(map[string]uint64)
	for {
		var event settlement.Event
		if err := websocket.JSON.Receive(ws, &event); err != nil {
			return nil
		}
		atomic.AddInt64(received, 1)
		if last, ok := seen[event.SettlementID]; ok && event.LastSeen <= last {
			atomic.AddInt64(regressions, 1)
		}
		seen[event.SettlementID] = event.LastSeen
	}
}

// startServer runs the API in process on a random local port
func startServer(ctx context.Context) (string, *server.App, error) {
	cfg := config.Default()
	cfg.Store.Driver = config.DriverMemory
	cfg.RateLimit.ReadPerMinute = 0
	cfg.RateLimit.WritePerMinute = 0

	app, err := server.New(ctx, cfg)
	if err != nil {
		return "", nil, err
	}
	app.Start(ctx)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	srv := &http.Server{Handler: app.Router}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("simulation server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		app.Hub.Close()
		_ = srv.Close()
	}()

	return "http://" + listener.Addr().String(), app, nil
}

var (
	negotiations int
	workers      int
	rounds       int
)

var rootCmd = &cobra.Command{
	Use:   "simulation",
	Short: "Race proposers and counterparties against an in-process negotiation API",
	RunE:  run,
}

func init() {
	rootCmd.Flags().IntVar(&negotiations, "negotiations", 50, "settlements to open")
	rootCmd.Flags().IntVar(&workers, "workers", 5, "negotiations run concurrently")
	rootCmd.Flags().IntVar(&rounds, "rounds", 10, "actions per party per negotiation")
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	baseURL, app, err := startServer(ctx)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	defer app.Close()

	simClient := newSimulationClient(baseURL)
	results := &outcomes{counts: make(map[string]int)}

	var received, regressions int64
	listenCtx, stopListening := context.WithCancel(ctx)
	var listener conc.WaitGroup
	listener.Go(func() {
		if err := listen(listenCtx, baseURL, &received, &regressions); err != nil {
			log.Error().Err(err).Msg("Failed to open event stream")
		}
	})

	log.Info().Int("negotiations", negotiations).Int("workers", workers).Msg("Starting simulation")
	startTime := time.Now()

	p := pool.New().WithMaxGoroutines(workers)
	for i := 0; i < negotiations; i++ {
		p.Go(func() {
			created, err := simClient.createSettlement(randomAmount())
			if err != nil {
				log.Error().Err(err).Msg("Failed to create settlement")
				results.add(errorCode(err))
				return
			}
			negotiate(simClient, created.SettlementID, rounds, results)
		})
	}
	p.Wait()

	settlements, err := simClient.listSettlements()
	if err != nil {
		return fmt.Errorf("failed to list settlements: %w", err)
	}

	// Let the stream drain the final commits.
	time.Sleep(250 * time.Millisecond)
	stopListening()
	listener.Wait()

	byStatus := make(map[settlement.Status]int)
	for _, s := range settlements {
		byStatus[s.Status]++
	}

	duration := time.Since(startTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("NEGOTIATION SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Settlements
-----------
Total:            %d
Agreed:           %d
Disputed:         %d
Pending:          %d
Duration:         %v

Mutation Outcomes
-----------------
`, len(settlements), byStatus[settlement.StatusAgreed], byStatus[settlement.StatusDisputed],
		byStatus[settlement.StatusPending], duration.Round(time.Millisecond))

	codes := make([]string, 0, len(results.counts))
	for code := range results.counts {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Printf("%-18s%d\n", code+":", results.counts[code])
	}

	fmt.Printf(`
Event Stream
------------
Received:         %d
Regressions:      %d
`, atomic.LoadInt64(&received), atomic.LoadInt64(&regressions))
	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("settlements", len(settlements)).
		Int("agreed", byStatus[settlement.StatusAgreed]).
		Int("conflicts", results.counts[string(settlement.CodeConflict)]).
		Int("turn_violations", results.counts[string(settlement.CodeTurn)]).
		Int64("events", atomic.LoadInt64(&received)).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()

	if regressions > 0 {
		return fmt.Errorf("event stream delivered %d regressed revisions", regressions)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

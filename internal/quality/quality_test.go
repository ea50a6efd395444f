package quality

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"shopfloor-mes/internal/types"
	"shopfloor-mes/internal/util"
)

type recordingSink struct {
	reqs []types.InspectionRequest
	err  error
}

func (s *recordingSink) CreateInspection(_ context.Context, req types.InspectionRequest) error {
	if s.err != nil {
		return s.err
	}
	s.reqs = append(s.reqs, req)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testRun = types.ProductionRun{
	ID: "run-1", OrderID: "OP-55", ProcessStepID: "PS-2", MachineID: "TORNO-1",
	Operator: "Ana", Shift: "Matutino", PiecesGood: 37, PiecesScrap: 3,
}

func TestFirstPieceUsesPlaceholderCount(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTrigger(sink, nil, discardLogger())

	if err := tr.FirstPiece(context.Background(), testRun); err != nil {
		t.Fatal(err)
	}
	if len(sink.reqs) != 1 {
		t.Fatalf("预期 1 个请求, 得到 %d", len(sink.reqs))
	}
	req := sink.reqs[0]
	if req.Type != types.InspectionFirstPiece || req.PiecesGood != 1 || req.PiecesScrap != 0 {
		t.Errorf("首件请求字段不符: %+v", req)
	}
	for _, want := range []string{"OP-55", "TORNO-1", "PS-2"} {
		if !strings.Contains(req.Notes, want) {
			t.Errorf("备注缺少 %q: %s", want, req.Notes)
		}
	}
	if req.ID == "" || req.RunID != "run-1" {
		t.Errorf("请求 ID 或 run_id 缺失: %+v", req)
	}
}

func TestFinalUsesRealCounters(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTrigger(sink, nil, discardLogger())
	summary := FinalSummary{
		Elapsed:    2 * time.Hour,
		Productive: time.Hour + 35*time.Minute,
		Downtime:   25,
		Breakdown:  []ReasonMinutes{{"Falta de material", 15}, {"Cambio de herramienta", 10}},
	}
	if err := tr.Final(context.Background(), testRun, summary); err != nil {
		t.Fatal(err)
	}
	req := sink.reqs[0]
	if req.Type != types.InspectionFinal || req.PiecesGood != 37 || req.PiecesScrap != 3 {
		t.Errorf("终检请求字段不符: %+v", req)
	}
	want := "Tiempo de producción: 1h 35m; Tiempo total: 2h 00m; Paro total: 25 min (Falta de material: 15 min, Cambio de herramienta: 10 min)"
	if req.Notes != want {
		t.Errorf("备注不符:\n得到 %s\n预期 %s", req.Notes, want)
	}
}

func TestTriggerPropagatesSinkError(t *testing.T) {
	boom := errors.New("db down")
	tr := NewTrigger(&recordingSink{err: boom}, nil, discardLogger())
	if err := tr.FirstPiece(context.Background(), testRun); !errors.Is(err, boom) {
		t.Errorf("预期包装的底层错误, 得到 %v", err)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0m 00s"},
		{-time.Second, "0m 00s"},
		{90 * time.Second, "1m 30s"},
		{time.Hour + 5*time.Minute + 40*time.Second, "1h 05m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, 预期 %q", tt.in, got, tt.want)
		}
	}
}

func TestRemoteSink(t *testing.T) {
	var gotTrace, gotStation string
	var got types.InspectionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inspections" || r.Method != http.MethodPost {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		gotTrace = r.Header.Get("X-Trace-ID")
		gotStation = r.Header.Get("X-Station-ID")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": got.ID, "accepted": true})
	}))
	t.Cleanup(srv.Close)

	sink := NewRemoteSink(srv.URL, time.Second, discardLogger())
	ctx := util.ContextWithStation(util.ContextWithTraceID(context.Background(), "trace-123"), "ST-01")
	req := types.InspectionRequest{ID: "i-1", Type: types.InspectionFinal, OrderID: "OP-1", PiecesGood: 4}
	if err := sink.CreateInspection(ctx, req); err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	if gotTrace != "trace-123" || gotStation != "ST-01" {
		t.Errorf("追踪头不符: trace=%q station=%q", gotTrace, gotStation)
	}
	if got.ID != "i-1" || got.PiecesGood != 4 {
		t.Errorf("远程收到的请求不符: %+v", got)
	}
}

func TestRemoteSinkFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"rejected", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"accepted": false, "error": "orden desconocida"})
		}},
		{"bad body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)
			sink := NewRemoteSink(srv.URL, time.Second, discardLogger())
			if err := sink.CreateInspection(context.Background(), types.InspectionRequest{ID: "x"}); err == nil {
				t.Error("预期返回错误")
			}
		})
	}
}

package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/archivepipe/internal/model"
)

func TestAggregator_SumsAcrossFiles(t *testing.T) {
	a := NewAggregator()
	a.Add(&model.ProcessingMetrics{
		FilePath: "RS_2021-01.zst", TotalLines: 100, ValidLines: 90, ErrorLines: 10,
		ProcessingTime: 2 * time.Second, Memory: model.MemoryUsage{Peak: 500},
	})
	a.Add(&model.ProcessingMetrics{
		FilePath: "RC_2021-01.zst", TotalLines: 300, ValidLines: 300,
		ProcessingTime: 2 * time.Second, Memory: model.MemoryUsage{Peak: 900},
	})

	agg := a.Aggregate()
	if agg.Files != 2 {
		t.Errorf("Files = %d, want 2", agg.Files)
	}
	if agg.TotalLines != 400 || agg.ValidLines != 390 || agg.ErrorLines != 10 {
		t.Errorf("lines = %d/%d/%d, want 400/390/10", agg.TotalLines, agg.ValidLines, agg.ErrorLines)
	}
	if agg.PeakMemory != 900 {
		t.Errorf("PeakMemory = %d, want 900", agg.PeakMemory)
	}
	if agg.LinesPerSecond != 100 {
		t.Errorf("LinesPerSecond = %v, want 100", agg.LinesPerSecond)
	}
	if agg.ErrorRate != 2.5 {
		t.Errorf("ErrorRate = %v, want 2.5", agg.ErrorRate)
	}
}

func TestAggregator_ReplacesRerunOfSameFile(t *testing.T) {
	a := NewAggregator()
	a.Add(&model.ProcessingMetrics{FilePath: "a.zst", TotalLines: 10})
	a.Add(&model.ProcessingMetrics{FilePath: "a.zst", TotalLines: 25})

	m, ok := a.File("a.zst")
	if !ok {
		t.Fatal("expected metrics for a.zst")
	}
	if m.TotalLines != 25 {
		t.Errorf("TotalLines = %d, want 25", m.TotalLines)
	}
	if len(a.Files()) != 1 {
		t.Errorf("Files() = %d entries, want 1", len(a.Files()))
	}

	a.Reset()
	if _, ok := a.File("a.zst"); ok {
		t.Error("Reset should discard all files")
	}
}

func TestAggregator_ConcurrentWriters(t *testing.T) {
	a := NewAggregator()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a.Add(&model.ProcessingMetrics{FilePath: string(rune('a' + i)), TotalLines: 1})
			_ = a.Aggregate()
		}(i)
	}
	wg.Wait()

	if got := a.Aggregate().TotalLines; got != 20 {
		t.Errorf("TotalLines = %d, want 20", got)
	}
}

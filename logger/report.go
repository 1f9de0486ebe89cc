package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsRealtime int64
	errorsBatch    int64
	warnsRealtime  int64
	warnsBatch     int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "batch") || strings.Contains(component, "store") {
		atomic.AddInt64(&warnsBatch, 1)
	} else {
		atomic.AddInt64(&warnsRealtime, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "batch") || strings.Contains(component, "store") {
		atomic.AddInt64(&errorsBatch, 1)
	} else {
		atomic.AddInt64(&errorsRealtime, 1)
	}
}

// RecordChannelMessage tracks per-channel message and byte counters for the
// periodic runtime report.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of runtime and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_realtime": atomic.LoadInt64(&errorsRealtime),
		"errors_batch":    atomic.LoadInt64(&errorsBatch),
		"warns_realtime":  atomic.LoadInt64(&warnsRealtime),
		"warns_batch":     atomic.LoadInt64(&warnsBatch),
		"goroutines":      runtime.NumGoroutine(),
		"channels":        channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}

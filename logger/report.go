package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsStream    int64
	errorsAnalytics int64
	warnsStream     int64
	warnsAnalytics  int64
	tradeReads      int64
	bookReads       int64
	tickerReads     int64
	droppedMessages int64
	reconnects      int64
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") || strings.Contains(component, "pool") || strings.Contains(component, "router") {
		atomic.AddInt64(&warnsStream, 1)
	} else {
		atomic.AddInt64(&warnsAnalytics, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") || strings.Contains(component, "pool") || strings.Contains(component, "router") {
		atomic.AddInt64(&errorsStream, 1)
	} else {
		atomic.AddInt64(&errorsAnalytics, 1)
	}
}

func IncrementTradeRead(size int) {
	atomic.AddInt64(&tradeReads, 1)
	recordChannel("trade_ws", size)
}

func IncrementBookRead(size int) {
	atomic.AddInt64(&bookReads, 1)
	recordChannel("book_ws", size)
}

func IncrementTickerRead(size int) {
	atomic.AddInt64(&tickerReads, 1)
	recordChannel("ticker_ws", size)
}

func IncrementDropped() {
	atomic.AddInt64(&droppedMessages, 1)
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and flow statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
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

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_stream":    atomic.LoadInt64(&errorsStream),
		"errors_analytics": atomic.LoadInt64(&errorsAnalytics),
		"warns_stream":     atomic.LoadInt64(&warnsStream),
		"warns_analytics":  atomic.LoadInt64(&warnsAnalytics),
		"trade_reads":      atomic.LoadInt64(&tradeReads),
		"book_reads":       atomic.LoadInt64(&bookReads),
		"ticker_reads":     atomic.LoadInt64(&tickerReads),
		"dropped_messages": atomic.LoadInt64(&droppedMessages),
		"reconnects":       atomic.LoadInt64(&reconnects),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"disk_mb":          int64(diskStats.Used) / 1024 / 1024,
		"channels":         channelData,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_stream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsAnalytics"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_analytics"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_stream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsAnalytics"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_analytics"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("TradeReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["trade_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("BookReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["book_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("TickerReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["ticker_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("DroppedMessages"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["dropped_messages"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}

package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

// Context 里可携带的链路字段
const (
	TraceIdKey   = "trace_id"
	RequestIDKey = "request_id"
	BatchIDKey   = ctxKey("batch_id")
)

// 全局 Logger，未 Init 时为 Nop，避免单测里空指针
var Log = zap.NewNop()

// level 所有 Init 出来的 logger 共用，配置热更新时调整
var level = zap.NewAtomicLevelAt(zap.InfoLevel)

// SetLevel 运行时调整日志级别
func SetLevel(l string) error {
	return level.UnmarshalText([]byte(l))
}

// Init 初始化日志组件
// serviceName: 当前服务名 (例如 "auction-engine")
// level: debug, info, warn, error
func Init(serviceName string, level string) {
	InitWithFile(serviceName, level, "")
}

// InitWithFile 同时写控制台和文件；logFile 为空时使用 logs/{serviceName}.log
func InitWithFile(serviceName string, level string, logFile string) {
	writeSyncers := []zapcore.WriteSyncer{
		zapcore.AddSync(os.Stdout), // 容器化标准输出
	}

	if logFile == "" {
		logFile = filepath.Join("logs", serviceName+".log")
	}
	// 目录或文件打不开时只输出到控制台，不中断程序
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err == nil {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			writeSyncers = append(writeSyncers, zapcore.AddSync(file))
		}
	}

	Log = build(serviceName, level, zapcore.NewMultiWriteSyncer(writeSyncers...))
}

// InitWithWriter 测试和工具命令使用：只写到给定 writer
func InitWithWriter(serviceName string, level string, w io.Writer) {
	Log = build(serviceName, level, zapcore.AddSync(w))
}

func build(serviceName, lvl string, ws zapcore.WriteSyncer) *zap.Logger {
	if err := SetLevel(lvl); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), ws, level)

	// AddCallerSkip(1)：封装了一层，否则行号永远指向 logger.go
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return l.With(zap.String("service", serviceName))
}

// WithBatch 把批次号放进 ctx，后续日志自动带 batch_id
func WithBatch(ctx context.Context, batchID uint64) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, BatchIDKey, batchID)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	extract(ctx, &fields)
	Log.Info(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	extract(ctx, &fields)
	Log.Error(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	extract(ctx, &fields)
	Log.Warn(msg, fields...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	extract(ctx, &fields)
	Log.Debug(msg, fields...)
}

// Fatal 会调用 os.Exit
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	extract(ctx, &fields)
	Log.Fatal(msg, fields...)
}

func extract(ctx context.Context, fields *[]zap.Field) {
	if ctx == nil {
		return
	}
	if traceID, ok := ctx.Value(TraceIdKey).(string); ok && traceID != "" {
		*fields = append(*fields, zap.String("trace_id", traceID))
	}
	if rid, ok := ctx.Value(RequestIDKey).(string); ok && rid != "" {
		*fields = append(*fields, zap.String("request_id", rid))
	}
	if bid, ok := ctx.Value(BatchIDKey).(uint64); ok {
		*fields = append(*fields, zap.Uint64("batch_id", bid))
	}
}

// Sync 刷新缓冲区 (main 里 defer 调用)
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}

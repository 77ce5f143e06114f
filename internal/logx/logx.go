package logx

import (
	"context"

	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	fileKey contextKey = iota
	cellKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithFile annotates the logger with the session file if present.
func WithFile(ctx context.Context, file schema.FileID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if file != "" {
		if current, ok := ctx.Value(fileKey).(schema.FileID); ok && current == file {
			return log
		}
		log = log.With("file", file)
	}
	return log
}

// WithFileCell annotates the logger with file and cell identifiers.
func WithFileCell(ctx context.Context, file schema.FileID, cellID schema.CellID) pslog.Logger {
	log := WithFile(ctx, file)
	if cellID != "" {
		if current, ok := ctx.Value(cellKey).(schema.CellID); ok && current == cellID {
			return log
		}
		log = log.With("cell", cellID)
	}
	return log
}

// WithCell annotates an existing logger with a cell id when available.
func WithCell(log pslog.Logger, cellID schema.CellID) pslog.Logger {
	if cellID != "" {
		log = log.With("cell", cellID)
	}
	return log
}

// WithMessage annotates the logger with a message kind.
func WithMessage(log pslog.Logger, kind schema.MessageKind) pslog.Logger {
	if kind != "" {
		log = log.With("kind", kind)
	}
	return log
}

// ContextWithFile stores the file marker on the context for log de-duplication.
func ContextWithFile(ctx context.Context, file schema.FileID) context.Context {
	if ctx == nil || file == "" {
		return ctx
	}
	return context.WithValue(ctx, fileKey, file)
}

// ContextWithCell stores the cell marker on the context for log de-duplication.
func ContextWithCell(ctx context.Context, cellID schema.CellID) context.Context {
	if ctx == nil || cellID == "" {
		return ctx
	}
	return context.WithValue(ctx, cellKey, cellID)
}

// ContextWithFileLogger attaches the logger and file marker to the context.
func ContextWithFileLogger(ctx context.Context, log pslog.Logger, file schema.FileID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithFile(ctx, file)
}

// CopyContextFields copies file/cell markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if file, ok := src.Value(fileKey).(schema.FileID); ok && file != "" {
		dst = ContextWithFile(dst, file)
	}
	if cell, ok := src.Value(cellKey).(schema.CellID); ok && cell != "" {
		dst = ContextWithCell(dst, cell)
	}
	return dst
}

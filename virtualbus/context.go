package virtualbus

import (
	"context"

	"github.com/Alia5/usbfs/usbip"
)

type contextKey int

const exportMetaKey contextKey = iota

func withMeta(ctx context.Context, meta *usbip.ExportMeta) context.Context {
	return context.WithValue(ctx, exportMetaKey, meta)
}

// MetaFromContext extracts the export metadata from a device context
// returned by Add or Import. Returns nil if the context doesn't carry it.
func MetaFromContext(ctx context.Context) *usbip.ExportMeta {
	if meta, ok := ctx.Value(exportMetaKey).(*usbip.ExportMeta); ok {
		return meta
	}
	return nil
}

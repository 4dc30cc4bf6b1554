package worlddb

import (
	"encoding/hex"
	"log/slog"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

func hexAttr(key string, b []byte) slog.Attr {
	return slog.String(key, hexstr(b))
}

func classAttr(class *ClassMetadata) slog.Attr {
	return slog.String("class", class.Name())
}

func typeAttr(ot *ObjectType) slog.Attr {
	return slog.String("type", ot.Name())
}

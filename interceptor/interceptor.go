// Package interceptor holds ready-made pre/post handle interceptors.
package interceptor

import (
	"crypto/subtle"
	"time"

	"github.com/advdv/bdispatch"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const startKey = "interceptor.start"

// AccessLog logs one line per request once the target returned. Requests that an earlier interceptor stopped
// are not logged.
func AccessLog() bdispatch.Interceptor {
	return bdispatch.InterceptorFuncs{
		Pre: func(req *bdispatch.Request, _ *bdispatch.Response) (bool, error) {
			req.Set(startKey, time.Now())
			return true, nil
		},
		Post: func(req *bdispatch.Request, resp *bdispatch.Response) error {
			status := resp.Status()
			if status == 0 {
				status = 200
			}

			fields := []zap.Field{
				zap.String("method", req.Method()),
				zap.String("uri", req.URI()),
				zap.String("client_ip", req.ClientIP()),
				zap.Int("status", status),
			}
			if v, ok := req.Get(startKey); ok {
				if start, ok := v.(time.Time); ok {
					fields = append(fields, zap.Duration("duration", time.Since(start)))
				}
			}

			bdispatch.Log(req.Context()).Info("request", fields...)
			return nil
		},
	}
}

// RequestIDHeader echoes the request id in the named response header.
func RequestIDHeader(name string) bdispatch.Interceptor {
	return bdispatch.InterceptorFuncs{
		Pre: func(req *bdispatch.Request, resp *bdispatch.Response) (bool, error) {
			resp.Header().Set(name, req.ID())
			return true, nil
		},
	}
}

// APIKey rejects requests that do not carry one of keys in the named header.
func APIKey(header string, keys ...string) bdispatch.Interceptor {
	valid := make([][]byte, 0, len(keys))
	for _, k := range keys {
		valid = append(valid, []byte(k))
	}

	return bdispatch.InterceptorFuncs{
		Pre: func(req *bdispatch.Request, _ *bdispatch.Response) (bool, error) {
			got := []byte(req.Header().Get(header))
			if len(got) == 0 {
				return false, bdispatch.NewError(bdispatch.CodeUnauthorized, errors.Newf("missing %s header", header))
			}

			for _, k := range valid {
				if subtle.ConstantTimeCompare(got, k) == 1 {
					return true, nil
				}
			}

			return false, bdispatch.NewError(bdispatch.CodeUnauthorized, errors.New("invalid api key"))
		},
	}
}

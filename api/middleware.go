package api

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/gorilla/handlers"
	"github.com/ulule/limiter"
	"github.com/ulule/limiter/drivers/middleware/stdlib"
	"github.com/ulule/limiter/drivers/store/memory"
)

func (api *API) middleware(mux *http.ServeMux) http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins(api.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", IdentityHeader, IdentityKeyHeader}),
		handlers.AllowCredentials(),
	)
	return handlers.LoggingHandler(os.Stdout,
		recoveryHandler(
			api.throttleHandler(time.Minute, 60, cors(mux)),
		),
	)
}

func (api *API) throttleHandler(period time.Duration, limit int64, f http.Handler) http.Handler {
	if flag.Lookup("test.v") != nil {
		// Don't throttle tests
		return f
	}
	rateLimitStore := memory.NewStore()
	rate := limiter.Rate{
		Period: period,
		Limit:  limit,
	}
	rateLimiter := stdlib.NewMiddleware(limiter.New(rateLimitStore, rate),
		stdlib.WithForwardHeader(api.TrustForwardHeader))
	return rateLimiter.Handler(f)
}

func recoveryHandler(f http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rval := recover()
			if rval == nil {
				return
			}
			err, ok := rval.(error)
			if !ok {
				err = fmt.Errorf("%v", rval)
			}
			packet := raven.NewPacket(err.Error(), raven.NewException(err, raven.GetOrNewStacktrace(err, 2, 3, nil)), raven.NewHttp(r))
			raven.Capture(packet, nil)
			w.WriteHeader(http.StatusInternalServerError)
		}()

		f.ServeHTTP(w, r)
	})
}

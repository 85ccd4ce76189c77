package predict

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/spf13/pflag"
	smerrors "kubegems.io/smdeploy/pkg/errors"
	"kubegems.io/smdeploy/pkg/types"
)

const (
	MaxBytesRead = int64(1 << 20) // 1MB

	EndpointNameRegexp = `[a-zA-Z0-9](?:-*[a-zA-Z0-9]){0,62}`
)

type ServerOptions struct {
	Listen string
	// DefaultEndpoint serves POST /predict.
	DefaultEndpoint string
	TLS             *TLSOptions
	OIDC            *OIDCOptions
}

type TLSOptions struct {
	CertFile string
	KeyFile  string
}

type OIDCOptions struct {
	Issuer   string
	ClientID string
}

func NewDefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		Listen: ":8080",
		TLS:    &TLSOptions{},
		OIDC:   &OIDCOptions{},
	}
}

func (o *ServerOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Listen, "listen", o.Listen, "listen address")
	fs.StringVar(&o.DefaultEndpoint, "endpoint", o.DefaultEndpoint, "endpoint served at /predict")
	fs.StringVar(&o.TLS.CertFile, "tls-cert", o.TLS.CertFile, "tls certificate file")
	fs.StringVar(&o.TLS.KeyFile, "tls-key", o.TLS.KeyFile, "tls key file")
	fs.StringVar(&o.OIDC.Issuer, "oidc-issuer", o.OIDC.Issuer, "oidc issuer, requests need a bearer id token when set")
	fs.StringVar(&o.OIDC.ClientID, "oidc-client-id", o.OIDC.ClientID, "expected audience of the id token")
}

type Server struct {
	Client          *Client
	DefaultEndpoint string
}

// Run serves the prediction proxy until ctx is done.
func Run(ctx context.Context, client *Client, opts *ServerOptions) error {
	log := stdr.NewWithOptions(log.Default(), stdr.Options{LogCaller: stdr.Error})
	ctx = logr.NewContext(ctx, log)

	s := &Server{Client: client, DefaultEndpoint: opts.DefaultEndpoint}
	handler := s.Route()
	if opts.OIDC.Issuer != "" {
		provider, err := oidc.NewProvider(ctx, opts.OIDC.Issuer)
		if err != nil {
			return fmt.Errorf("oidc provider %s: %w", opts.OIDC.Issuer, err)
		}
		verifier := provider.Verifier(&oidc.Config{
			ClientID:          opts.OIDC.ClientID,
			SkipClientIDCheck: opts.OIDC.ClientID == "",
		})
		handler = NewOIDCAuthFilter(verifier, handler)
	}
	handler = LoggingFilter(log, handler)

	server := http.Server{
		Addr:              opts.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()
	var err error
	if opts.TLS.CertFile != "" && opts.TLS.KeyFile != "" {
		log.Info("predict proxy listening", "https", opts.Listen, "endpoint", opts.DefaultEndpoint)
		err = server.ListenAndServeTLS(opts.TLS.CertFile, opts.TLS.KeyFile)
	} else {
		log.Info("predict proxy listening", "http", opts.Listen, "endpoint", opts.DefaultEndpoint)
		err = server.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Route() http.Handler {
	mux := mux.NewRouter()
	mux = mux.StrictSlash(true)
	mux.Methods("GET").Path("/healthz").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Methods("POST").Path("/predict").HandlerFunc(MaxBytesReadHandler(s.Predict, MaxBytesRead))
	mux.Methods("POST").Path("/endpoints/{name:" + EndpointNameRegexp + "}/predict").HandlerFunc(MaxBytesReadHandler(s.Predict, MaxBytesRead))
	mux.Methods("POST").Path("/endpoints/{name:" + EndpointNameRegexp + "}/invocations").HandlerFunc(MaxBytesReadHandler(s.Invocations, MaxBytesRead))
	return mux
}

func (s *Server) endpoint(r *http.Request) (string, error) {
	if name := mux.Vars(r)["name"]; name != "" {
		return name, nil
	}
	if s.DefaultEndpoint == "" {
		return "", smerrors.NewParameterInvalidError("no default endpoint configured, use /endpoints/{name}/predict")
	}
	return s.DefaultEndpoint, nil
}

func (s *Server) Predict(w http.ResponseWriter, r *http.Request) {
	endpoint, err := s.endpoint(r)
	if err != nil {
		ResponseError(w, err)
		return
	}
	req := types.PredictRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ResponseError(w, smerrors.NewParameterInvalidError(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	resp, err := s.Client.Predict(r.Context(), endpoint, req)
	if err != nil {
		ResponseError(w, err)
		return
	}
	ResponseOK(w, resp)
}

// Invocations forwards the body untouched, for payloads other than text generation.
func (s *Server) Invocations(w http.ResponseWriter, r *http.Request) {
	endpoint, err := s.endpoint(r)
	if err != nil {
		ResponseError(w, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		ResponseError(w, smerrors.NewParameterInvalidError(err.Error()))
		return
	}
	result, contenttype, err := s.Client.InvokeRaw(r.Context(), endpoint, r.Header.Get("Content-Type"), body)
	if err != nil {
		ResponseError(w, err)
		return
	}
	if contenttype == "" {
		contenttype = ContentTypeJSON
	}
	w.Header().Set("Content-Type", contenttype)
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

// NewOIDCAuthFilter rejects requests without a valid bearer id token.
func NewOIDCAuthFilter(verifier *oidc.IDTokenVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			ResponseError(w, smerrors.NewUnauthorizedError("missing bearer token"))
			return
		}
		idtoken, err := verifier.Verify(r.Context(), token)
		if err != nil {
			ResponseError(w, smerrors.NewUnauthorizedError(err.Error()))
			return
		}
		logr.FromContextOrDiscard(r.Context()).V(1).Info("authenticated", "subject", idtoken.Subject)
		next.ServeHTTP(w, r)
	})
}

// LoggingFilter writes an apache combined log line per request.
func LoggingFilter(log logr.Logger, next http.Handler) http.Handler {
	return handlers.CombinedLoggingHandler(&logWriter{log: log}, next)
}

type logWriter struct {
	log logr.Logger
}

func (l *logWriter) Write(p []byte) (int, error) {
	l.log.Info(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// MaxBytesReadHandler returns a Handler that runs h with its ResponseWriter and Request.Body wrapped by a MaxBytesReader.
func MaxBytesReadHandler(h http.HandlerFunc, n int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := *r
		r2.Body = http.MaxBytesReader(w, r.Body, n)
		h.ServeHTTP(w, &r2)
	}
}

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ambitiousfew/reqcast"
	"github.com/ambitiousfew/reqcast/config"
	"github.com/ambitiousfew/reqcast/credentials"
	"github.com/ambitiousfew/reqcast/refresher"
	"github.com/ambitiousfew/reqcast/transport"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

// ErrCredentialsLost is returned when the server revoked the credentials or a
// refresh could not obtain new ones.
var ErrCredentialsLost = errors.New("credentials lost, set a new token with 'reqcast token set'")

type requestFlags struct {
	data    string
	headers []string
	query   []string
}

func RequestCmd() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Send a request and print its result as JSON",
		Example: `  reqcast request GET /items --query page=2 --query ids=1 --query ids=2
  reqcast request POST /items --data '{"name":"apple"}'
  reqcast request DELETE /items --data '{"product_ids":[1,2]}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			req, err := buildRequest(args[0], args[1], flags)
			if err != nil {
				return err
			}
			return runRequest(cmd.Context(), cmd.OutOrStdout(), cfg, logger, req)
		},
	}

	cmd.Flags().StringVar(&flags.data, "data", "", "JSON request body")
	cmd.Flags().StringArrayVar(&flags.headers, "header", nil, "extra header as key=value, repeatable")
	cmd.Flags().StringArrayVar(&flags.query, "query", nil, "query parameter as key=value, repeated keys are joined with commas")
	return cmd
}

func buildRequest(method, path string, flags requestFlags) (reqcast.Request, error) {
	req := reqcast.Request{
		Method: reqcast.Method(strings.ToUpper(method)),
		URL:    path,
		// late listeners of a replayed attempt still observe its outcome.
		Kind: reqcast.Replay,
	}

	switch req.Method {
	case reqcast.MethodGet, reqcast.MethodPost, reqcast.MethodPut, reqcast.MethodDelete:
	default:
		return req, fmt.Errorf("unsupported method %q, use GET, POST, PUT or DELETE", method)
	}

	if flags.data != "" {
		var body any
		if err := json.Unmarshal([]byte(flags.data), &body); err != nil {
			return req, fmt.Errorf("invalid --data: %w", err)
		}
		req.Body = body
	}

	if len(flags.headers) > 0 {
		req.Headers = make(map[string]string, len(flags.headers))
		for _, h := range flags.headers {
			k, v, err := splitPair("--header", h)
			if err != nil {
				return req, err
			}
			req.Headers[k] = v
		}
	}

	if len(flags.query) > 0 {
		params := make(map[string]any, len(flags.query))
		for _, q := range flags.query {
			k, v, err := splitPair("--query", q)
			if err != nil {
				return req, err
			}
			switch prev := params[k].(type) {
			case nil:
				params[k] = v
			case string:
				params[k] = []string{prev, v}
			case []string:
				params[k] = append(prev, v)
			}
		}
		req.URL += transport.Query(params)
	}
	return req, nil
}

func splitPair(flag, s string) (string, string, error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return "", "", fmt.Errorf("invalid %s %q, expected key=value", flag, s)
	}
	return k, v, nil
}

type outcome struct {
	value any
	err   error
}

func runRequest(ctx context.Context, out io.Writer, cfg *config.Config, logger *slog.Logger, req reqcast.Request) error {
	creds := credentials.NewFile(cfg.TokenFile, logger)
	httpTransport := transport.New(creds,
		transport.WithBaseURL(cfg.BaseURL),
		transport.WithTimeout(cfg.RequestTimeout),
		transport.WithLogger(logger),
		transport.WithEnvelope(),
	)

	opts := append(cfg.ClientOptions(), reqcast.WithLogHandler(logger.Handler()))
	client := reqcast.New(httpTransport, creds, opts...)
	defer func() {
		client.Wait()
		client.Close()
	}()

	refreshing := false
	if oauth := cfg.OAuth2(); oauth != nil {
		r, err := refresher.New(client, oauth, refresher.WithTimeout(cfg.RequestTimeout), refresher.WithLogger(logger))
		if err != nil {
			return err
		}
		defer r.Close()
		refreshing = true
	}

	// the whole exchange may span a request, a refresh and a replayed request.
	ctx, cancel := context.WithTimeout(ctx, 2*cfg.RequestTimeout+cfg.SettleDelay+cfg.ReplayDelay)
	defer cancel()

	resultC := make(chan outcome, 1)
	deliver := func(o outcome) {
		select {
		case resultC <- o:
		default:
		}
	}

	tracker := client.NewTracker()
	defer tracker.Close()
	tracker.Listen(reqcast.SignalCredentialsLost, func(any) {
		deliver(outcome{err: ErrCredentialsLost})
	})

	var attempt func()
	attempt = func() {
		r := req
		r.Replay = reqcast.NewReplay("request", attempt, req.Method, req.URL)
		o := client.Dispatch(ctx, r)
		tracker.ListenRequestOutcome(o.SuccessID, o.ErrorID,
			func(v any) { deliver(outcome{value: v}) },
			func(v any) {
				err, _ := v.(error)
				if refreshing && errors.Is(err, reqcast.ErrAuthExpired) {
					// the replayed attempt reports the final outcome.
					return
				}
				deliver(outcome{err: err})
			},
		)
	}
	attempt()

	select {
	case o := <-resultC:
		if o.err != nil {
			return printError(out, o.err)
		}
		return printJSON(out, o.value)
	case <-ctx.Done():
		return fmt.Errorf("request %s %s: %w", req.Method, req.URL, ctx.Err())
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printError prints the failed result envelope and returns err.
func printError(out io.Writer, err error) error {
	var te *reqcast.TransportError
	if errors.As(err, &te) && te.Status > 0 {
		var data any
		if len(te.Body) > 0 && json.Unmarshal(te.Body, &data) != nil {
			data = string(te.Body)
		}
		if perr := printJSON(out, transport.ParseResult(te.Status, data, err.Error(), nil)); perr != nil {
			return perr
		}
	}
	return err
}

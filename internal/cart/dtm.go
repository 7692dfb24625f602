package cart

import (
	"context"
	"fmt"
	"strings"

	"github.com/dtm-labs/client/dtmcli"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// RestorePath é a rota que recebe o comando de restauração
	RestorePath = "/internal/cart/restore"
	// QueryPreparedPath é a rota que o DTM consulta para decidir uma mensagem preparada
	QueryPreparedPath = "/internal/cart/restore/query"
)

// Pending é uma mensagem já preparada no DTM, aguardando o commit local para o Submit
type Pending struct {
	GID    string
	submit func() error
}

func NewPending(gid string, submit func() error) *Pending {
	return &Pending{GID: gid, submit: submit}
}

func (p *Pending) Submit() error {
	if p.submit == nil {
		return nil
	}
	return p.submit()
}

// DTMDispatcher envia a restauração como mensagem de duas fases do DTM:
// Prepare antes do commit local, Submit depois dele. Se o Submit se perder,
// o DTM consulta QueryPreparedPath e decide pelo que a transação local gravou.
type DTMDispatcher struct {
	server    string
	targetURL string
	queryURL  string
}

func NewDTMDispatcher(server, cartServiceURL, serviceURL string) *DTMDispatcher {
	return &DTMDispatcher{
		server:    server,
		targetURL: strings.TrimRight(cartServiceURL, "/") + RestorePath,
		queryURL:  strings.TrimRight(serviceURL, "/") + QueryPreparedPath,
	}
}

func (d *DTMDispatcher) Prepare(ctx context.Context, req RestoreRequest) (pending *Pending, err error) {
	// MustGenGid entra em pânico quando o DTM está indisponível
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dtm unavailable: %v", r)
		}
	}()

	gid := dtmcli.MustGenGid(d.server)
	_, span := dtmMsgSpan(ctx, "prepare", gid, d.targetURL)
	defer span.End()

	msg := dtmcli.NewMsg(d.server, gid).Add(d.targetURL, &req)
	if sc := span.SpanContext(); sc.IsValid() {
		msg.BranchHeaders = map[string]string{
			"traceparent": fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()),
		}
	}

	if err := msg.Prepare(d.queryURL); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dtm prepare failed")
		return nil, fmt.Errorf("failed to prepare dtm msg: %w", err)
	}
	return NewPending(gid, msg.Submit), nil
}

// dtmMsgSpan abre o span de uma mensagem de duas fases enviada ao DTM
func dtmMsgSpan(ctx context.Context, action, gid, url string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("dtm-msg").Start(ctx, "dtm.msg."+action)
	span.SetAttributes(
		attribute.String("dtm.gid", gid),
		attribute.String("dtm.action.url", url),
		attribute.String("component", "dtm-coordinator"),
	)
	return ctx, span
}

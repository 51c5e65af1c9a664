package supervisor

import (
	"context"

	"github.com/lifert/life/internal/rpc"
)

// agentRef addresses one worker in token-guarded operations.
type agentRef struct {
	ID           string `json:"id"`
	SessionToken string `json:"sessionToken"`
}

// RegisterProcedures exposes the server's public operations on an RPC
// endpoint. The endpoint's trust level is the caller's concern: enable error
// obfuscation when the pipe faces untrusted peers.
func (s *Server) RegisterProcedures(e *rpc.Endpoint) {
	e.Register(rpc.Procedure{Name: "available", Handler: func(context.Context, any) (any, error) {
		available := s.Available()
		out := make([]any, 0, len(available))
		for _, a := range available {
			row, err := toWire(a)
			if err != nil {
				return nil, err
			}
			out = append(out, row)
		}
		return out, nil
	}})

	e.Register(rpc.Procedure{Name: "ping", Handler: func(context.Context, any) (any, error) {
		return s.Ping(), nil
	}})

	e.Register(rpc.Procedure{Name: "info", Handler: func(ctx context.Context, _ any) (any, error) {
		info, err := s.Info(ctx)
		if err != nil {
			return nil, err
		}
		return toWire(info)
	}})

	e.Register(rpc.Procedure{Name: "processes", Handler: func(context.Context, any) (any, error) {
		rows := s.Processes()
		out := make([]any, 0, len(rows))
		for _, r := range rows {
			row, err := toWire(r)
			if err != nil {
				return nil, err
			}
			out = append(out, row)
		}
		return out, nil
	}})

	e.Register(rpc.Procedure{Name: "agent.create", Handler: func(ctx context.Context, input any) (any, error) {
		var params CreateParams
		if err := fromWire(input, &params); err != nil {
			return nil, err
		}
		result, err := s.CreateAgent(ctx, params)
		if err != nil {
			return nil, err
		}
		return toWire(result)
	}})

	e.Register(rpc.Procedure{Name: "agent.start", Handler: func(ctx context.Context, input any) (any, error) {
		var req StartRequest
		if err := fromWire(input, &req); err != nil {
			return nil, err
		}
		result, err := s.StartAgent(ctx, req)
		if err != nil {
			return nil, err
		}
		return toWire(result)
	}})

	e.Register(rpc.Procedure{Name: "agent.stop", Handler: func(ctx context.Context, input any) (any, error) {
		var ref agentRef
		if err := fromWire(input, &ref); err != nil {
			return nil, err
		}
		if err := s.StopAgent(ctx, ref.ID, ref.SessionToken); err != nil {
			return nil, err
		}
		return "ok", nil
	}})

	e.Register(rpc.Procedure{Name: "agent.restart", Handler: func(ctx context.Context, input any) (any, error) {
		var ref agentRef
		if err := fromWire(input, &ref); err != nil {
			return nil, err
		}
		if err := s.RestartAgent(ctx, ref.ID, ref.SessionToken); err != nil {
			return nil, err
		}
		return "ok", nil
	}})

	e.Register(rpc.Procedure{Name: "agent.ping", Handler: func(ctx context.Context, input any) (any, error) {
		var ref agentRef
		if err := fromWire(input, &ref); err != nil {
			return nil, err
		}
		return s.PingAgent(ctx, ref.ID, ref.SessionToken)
	}})

	e.Register(rpc.Procedure{Name: "agent.info", Handler: func(ctx context.Context, input any) (any, error) {
		var ref agentRef
		if err := fromWire(input, &ref); err != nil {
			return nil, err
		}
		info, err := s.GetAgentInfo(ctx, ref.ID, ref.SessionToken)
		if err != nil {
			return nil, err
		}
		return toWire(info)
	}})
}

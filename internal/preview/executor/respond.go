package executor

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
)

// ExecuteTestCases runs req once per case with the case input on stdin and
// compares trimmed stdout with the expected output. A case whose run fails
// is recorded as failed with its error; only a canceled context stops the
// remaining cases.
func (c *Client) ExecuteTestCases(ctx context.Context, req Request, cases []protocol.TestCase) ([]protocol.CaseResult, error) {
	results := make([]protocol.CaseResult, 0, len(cases))
	for _, tc := range cases {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		run := req
		run.Stdin = tc.Input
		res := protocol.CaseResult{Input: tc.Input, Expected: tc.Expected}

		out, err := c.Execute(ctx, run)
		switch {
		case err != nil:
			res.Error = err.Error()
		case out.Error != "":
			res.Actual = out.Stdout
			res.Error = out.Error
		default:
			res.Actual = out.Stdout
			res.Passed = strings.TrimSpace(out.Stdout) == strings.TrimSpace(tc.Expected)
		}
		results = append(results, res)

		// an open breaker fails every later case the same way
		if errors.Is(err, resilience.ErrOpen) {
			for _, rest := range cases[len(results):] {
				results = append(results, protocol.CaseResult{
					Input:    rest.Input,
					Expected: rest.Expected,
					Error:    err.Error(),
				})
			}
			break
		}
	}
	return results, nil
}

// Respond answers an execute-request from a sandbox. It never fails; every
// problem is reported in the response's Error field.
func (c *Client) Respond(ctx context.Context, req *protocol.ExecuteRequest) *protocol.ExecuteResponse {
	resp := &protocol.ExecuteResponse{ID: req.ID}
	if err := req.Validate(); err != nil {
		resp.Error = err.Error()
		resp.ExitCode = 1
		return resp
	}

	run := Request{
		Code:     req.Code,
		Language: req.Language,
		Endpoint: req.Endpoint,
		Args:     req.Args,
		Stdin:    req.Stdin,
	}

	if len(req.TestCases) > 0 {
		results, err := c.ExecuteTestCases(ctx, run, req.TestCases)
		resp.Results = results
		if err != nil {
			resp.Error = err.Error()
		}
		for _, r := range results {
			if !r.Passed {
				resp.ExitCode = 1
			}
		}
		return resp
	}

	out, err := c.Execute(ctx, run)
	if err != nil {
		c.log.Debug("Execute request failed", zap.String("request", req.ID), zap.Error(err))
		resp.Error = err.Error()
		resp.ExitCode = 1
		return resp
	}
	resp.Stdout = out.Stdout
	resp.Stderr = out.Stderr
	resp.ExitCode = out.ExitCode
	resp.DurationMs = out.DurationMs
	resp.Error = out.Error
	return resp
}

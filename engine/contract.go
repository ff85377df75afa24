package engine

import (
	"context"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	executor "github.com/wippyai/wasm-executor"
	"github.com/wippyai/wasm-executor/abi"
	"github.com/wippyai/wasm-executor/errors"
	"github.com/wippyai/wasm-executor/host"
	"github.com/wippyai/wasm-executor/state"
)

// ExecuteAction runs one contract action.
//
// The call sees a frozen clock and a random stream derived from req, so
// replaying req against the same state yields the same result. State writes
// are committed atomically when the guest returns 0. A non-zero return is an
// application error: the result carries the code and nothing is committed.
// A committed action is appended to the package's action log and its log
// lines to the package's log ring.
// Traps, exhausted budgets and store failures return an error and leave state
// unchanged.
func (r *Runtime) ExecuteAction(ctx context.Context, req executor.ActionRequest) (*executor.ActionResult, error) {
	reg, err := r.lookup(req.PackageID)
	if err != nil {
		return nil, err
	}
	if reg.info.Kind != executor.KindContract {
		return nil, errors.New(errors.ClassInvalid, errors.KindInvalidInput).
			Package(req.PackageID).
			Detail("%s packages do not accept actions", reg.info.Kind).
			Build()
	}

	log := r.logger.With(
		zap.String("package", req.PackageID),
		zap.String("hash", reg.info.Hash.Short()),
		zap.String("action", req.Action),
		zap.String("invocation", uuid.NewString()))

	txn, err := r.state.Begin(ctx, req.PackageID)
	if err != nil {
		return nil, err
	}
	defer txn.Discard()

	env := &host.Env{
		Kind:    executor.KindContract,
		Package: req.PackageID,
		Txn:     txn,
		Caps:    host.NewDeterministic(&req),
		Limits:  r.cfg.Limits,
		Logger:  log,
	}
	in, err := r.instantiate(ctx, reg, env)
	if err != nil {
		log.Warn("instantiation failed", zap.Error(err))
		return nil, err
	}
	defer in.close(ctx)

	// init and process_action share one fuel budget and one deadline.
	callCtx, cancel := in.begin(ctx)
	defer cancel()

	result := &executor.ActionResult{}
	collect := func(code int32) *executor.ActionResult {
		result.Code = code
		result.Status = executor.StatusOK
		if code != 0 {
			result.Status = executor.StatusAppError
		}
		result.Payload = slices.Clone(env.Output())
		result.Events = env.Events()
		result.Logs = env.Logs()
		result.FuelUsed = in.fuelUsed
		return result
	}

	initialized, err := txn.Initialized(ctx)
	if err != nil {
		return nil, err
	}
	if !initialized {
		if in.exports(abi.ExportInit) {
			code, err := in.invoke(callCtx, abi.ExportInit, nil, reg.pkg.Config)
			if err != nil {
				log.Warn("init failed", zap.Error(err), zap.Uint64("fuel", in.fuelUsed))
				return nil, err
			}
			if code != 0 {
				log.Info("init returned an application error", zap.Int32("code", code))
				return collect(code), nil
			}
		}
		txn.MarkInitialized()
	}

	code, err := in.invoke(callCtx, abi.ExportProcessAction, nil, []byte(req.Action), req.Payload)
	if err != nil {
		log.Warn("action failed", zap.Error(err), zap.Uint64("fuel", in.fuelUsed))
		return nil, err
	}
	collect(code)
	if code != 0 {
		log.Info("action returned an application error", zap.Int32("code", code), zap.Uint64("fuel", in.fuelUsed))
		return result, nil
	}

	writes := txn.Pending()
	_, err = txn.AppendAction(ctx, state.ActionRecord{
		Action:    req.Action,
		Payload:   req.Payload,
		Timestamp: req.Timestamp,
		Nonce:     req.Nonce,
		Status:    result.Status,
		Output:    result.Payload,
		Events:    len(result.Events),
		FuelUsed:  result.FuelUsed,
	})
	if err == nil {
		err = txn.AppendLogs(ctx, result.Logs)
	}
	if err != nil {
		return nil, errors.WithPackage(err, req.PackageID)
	}
	if err := txn.Commit(ctx); err != nil {
		log.Error("commit failed", zap.Error(err))
		return nil, err
	}
	log.Debug("action committed",
		zap.Int("writes", writes),
		zap.Int("events", len(result.Events)),
		zap.Uint64("fuel", result.FuelUsed))
	return result, nil
}

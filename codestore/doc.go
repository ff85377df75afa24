// Package codestore caches compiled WebAssembly modules by content hash.
//
// Callers obtain a Handle with GetOrCompile and Release it when the instance
// built from it is closed. A cached module is only evicted when no handle
// references it:
//
//	h, err := store.GetOrCompile(ctx, pkg.ContentHash(), pkg.Bytecode)
//	if err != nil {
//		return err
//	}
//	defer h.Release()
//	mod, err := runtime.InstantiateModule(ctx, h.Module(), cfg)
package codestore

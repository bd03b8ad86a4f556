//go:build js && wasm

package main

import (
	"context"
	"fmt"
	"sync"
	"syscall/js"
)

// fetch downloads url with the worker's fetch API and returns the body.
// The JS callbacks stay alive until the promise settles, even when ctx
// ends first.
func fetch(ctx context.Context, url string) ([]byte, error) {
	bodyCh := make(chan []byte, 1)
	errCh := make(chan error, 1)

	settled := make(chan struct{})
	var settleOnce sync.Once
	settle := func() { settleOnce.Do(func() { close(settled) }) }

	fail := func(err error) {
		select {
		case errCh <- err:
		default:
		}
		settle()
	}

	var onResponse, onBody, onError js.Func
	onBody = js.FuncOf(func(this js.Value, args []js.Value) any {
		array := js.Global().Get("Uint8Array").New(args[0])
		body := make([]byte, array.Get("length").Int())
		js.CopyBytesToGo(body, array)
		bodyCh <- body
		settle()
		return nil
	})
	onError = js.FuncOf(func(this js.Value, args []js.Value) any {
		reason := "unknown error"
		if len(args) > 0 {
			reason = args[0].Call("toString").String()
		}
		fail(fmt.Errorf("fetch %s: %s", url, reason))
		return nil
	})
	onResponse = js.FuncOf(func(this js.Value, args []js.Value) any {
		resp := args[0]
		if !resp.Get("ok").Bool() {
			fail(fmt.Errorf("fetch %s: status %d", url, resp.Get("status").Int()))
			return nil
		}
		resp.Call("arrayBuffer").Call("then", onBody, onError)
		return nil
	})
	go func() {
		<-settled
		onResponse.Release()
		onBody.Release()
		onError.Release()
	}()

	js.Global().Call("fetch", url).Call("then", onResponse, onError)

	select {
	case body := <-bodyCh:
		return body, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

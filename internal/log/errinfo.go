package log

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

type hasPC interface{ PC() uintptr }

type hasStack interface{ StackPCs() []uintptr }

// hasKind is satisfied by errors tagged with a sentinel category.
type hasKind interface{ Kind() error }

// wrapper types add context but are never the interesting type.
type wrapper interface{ IsXerrorsWrapper() }

// unwrapCause follows the cause side of a chain. Kind-marked errors unwrap
// to []error{cause, kind}; only the cause carries position information.
func unwrapCause(err error) error {
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return u.Unwrap()
	case interface{ Unwrap() []error }:
		if errs := u.Unwrap(); len(errs) > 0 {
			return errs[0]
		}
	}
	return nil
}

func errorKind(err error) string {
	for e := err; e != nil; e = unwrapCause(e) {
		if k, ok := e.(hasKind); ok && k.Kind() != nil {
			return k.Kind().Error()
		}
	}
	return ""
}

// errorChain lists each distinct message down the cause chain, then the
// members of a top-level errors.Join.
func errorChain(err error) []string {
	var out []string
	add := func(msg string) {
		if len(out) == 0 || out[len(out)-1] != msg {
			out = append(out, msg)
		}
	}
	for e := err; e != nil; e = unwrapCause(e) {
		add(e.Error())
	}
	if _, marked := err.(hasKind); !marked {
		if j, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range j.Unwrap() {
				add(e.Error())
			}
		}
	}
	return out
}

// chainLinks reports up to max links of the cause chain with the source
// position each was created or wrapped at. The head is always included.
func chainLinks(err error, max int) []map[string]any {
	var links []map[string]any
	for e, depth := err, 0; e != nil && depth < max; e, depth = unwrapCause(e), depth+1 {
		link := map[string]any{"msg": e.Error()}
		fr, ok := errorFrame(e)
		if ok {
			link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
		}
		if ok || depth == 0 {
			links = append(links, link)
		}
	}
	return links
}

func errorFrame(e error) (runtime.Frame, bool) {
	switch v := e.(type) {
	case hasPC:
		if pc := v.PC(); pc != 0 {
			fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
			return fr, true
		}
	case hasStack:
		frames := runtime.CallersFrames(v.StackPCs())
		for {
			fr, more := frames.Next()
			if fr.Function != "" && !strings.HasPrefix(fr.Function, "runtime.") &&
				!loggingFrame(fr.Function) && !strings.Contains(fr.Function, "/internal/xerrors.") {
				return fr, true
			}
			if !more {
				break
			}
		}
	}
	return runtime.Frame{}, false
}

// classifyTypes returns the first non-wrapper type in the chain and the
// type of the innermost cause.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	var last error
	for e := err; e != nil; e = unwrapCause(e) {
		last = e
		if surface == "" && !isWrapperType(e) {
			surface = reflect.TypeOf(e).String()
		}
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, fmt.Sprintf("%T", last)
}

func isWrapperType(e error) bool {
	if _, ok := e.(wrapper); ok {
		return true
	}
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.PkgPath() == "fmt" && strings.HasPrefix(t.Name(), "wrapError")
}

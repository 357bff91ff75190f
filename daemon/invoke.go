package daemon

import (
	"context"
	"fmt"
	"reflect"

	"github.com/c4dt-edu/pyrod"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type requestContextKey struct{}

// withRequestContext threads rc onto ctx so exposed methods that declare a
// context.Context first parameter can recover it with
// RequestContextFromContext (spec.md §9 "global request context": explicit
// context passing instead of a thread-local).
func withRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFromContext returns the RequestContext the dispatcher
// threaded onto ctx, if any.
func RequestContextFromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}

// invokeMethod calls the exported Go method methodName on instance with
// vargs, converting each argument to the method's declared parameter type
// and normalizing its return values to (result, error). This is the
// reflection-based dispatch table of spec.md §9 ("dynamic dispatch ->
// dispatch table"): method names are looked up once per call rather than
// bound ahead of time, since a fresh instance may exist per call
// (spec.md §4.5 percall instancing).
//
// A method may optionally declare context.Context as its first parameter,
// in which case ctx (carrying the current RequestContext) is supplied
// automatically and does not count against vargs.
func invokeMethod(ctx context.Context, instance interface{}, methodName string, vargs []interface{}) (interface{}, error) {
	v := reflect.ValueOf(instance)
	m := v.MethodByName(methodName)
	if !m.IsValid() {
		return nil, pyrod.NewDaemonError("object has no method %q", methodName)
	}

	mt := m.Type()
	wantsCtx := mt.NumIn() > 0 && mt.In(0) == contextType

	nFixed := mt.NumIn()
	if wantsCtx {
		nFixed--
	}

	if mt.IsVariadic() {
		if len(vargs) < nFixed-1 {
			return nil, pyrod.NewDaemonError(
				"method %q expects at least %d arguments, got %d", methodName, nFixed-1, len(vargs))
		}
	} else if len(vargs) != nFixed {
		return nil, pyrod.NewDaemonError(
			"method %q expects %d arguments, got %d", methodName, nFixed, len(vargs))
	}

	in := make([]reflect.Value, 0, mt.NumIn())
	if wantsCtx {
		in = append(in, reflect.ValueOf(ctx))
	}

	offset := 0
	if wantsCtx {
		offset = 1
	}

	for i, a := range vargs {
		paramIdx := i + offset

		argType := mt.In(paramIdx)
		if mt.IsVariadic() && paramIdx >= mt.NumIn()-1 {
			argType = mt.In(mt.NumIn() - 1).Elem()
		}

		cv, err := convertArg(a, argType)
		if err != nil {
			return nil, pyrod.NewDaemonError("method %q argument %d: %v", methodName, i, err)
		}
		in = append(in, cv)
	}

	out := m.Call(in)
	return splitResults(methodName, out)
}

// convertArg coerces a into target, the shape a deserialized call argument
// (string, float64, bool, []interface{}, map[string]interface{}, nil) is
// found in after going through any of the three codecs.
func convertArg(a interface{}, target reflect.Type) (reflect.Value, error) {
	if a == nil {
		return reflect.Zero(target), nil
	}

	av := reflect.ValueOf(a)
	if av.Type().AssignableTo(target) {
		return av, nil
	}

	if target.Kind() == reflect.Interface && av.Type().Implements(target) {
		return av, nil
	}

	if av.Type().ConvertibleTo(target) {
		switch target.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64, reflect.String, reflect.Bool:
			return av.Convert(target), nil
		}
	}

	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", a, target)
}

// splitResults normalizes a method's return values to (result, error): zero
// returns yield (nil, nil), a single error return yields (nil, err), a
// single non-error return yields (v, nil), and two returns are (v, err) in
// the usual Go order.
func splitResults(methodName string, out []reflect.Value) (interface{}, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if out[0].Type().Implements(errorType) {
			if out[0].IsNil() {
				return nil, nil
			}
			return nil, out[0].Interface().(error)
		}
		return out[0].Interface(), nil
	case 2:
		var err error
		if !out[1].IsNil() {
			err = out[1].Interface().(error)
		}
		return out[0].Interface(), err
	default:
		return nil, pyrod.NewDaemonError("method %q returns more than two values", methodName)
	}
}

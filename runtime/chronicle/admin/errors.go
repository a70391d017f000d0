package admin

import "chronicle.dev/chronicle/runtime/chronicle/chronerr"

func notFound(resource, id string) error {
	return chronerr.New(chronerr.KindNotFound, resource+" "+id+" not found")
}

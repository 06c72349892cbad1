package script

import (
	"github.com/dop251/goja"

	"ggg/pkg/models"
)

// handler is one registered (event, callback) pair, tagged with its
// source file and registration order for the load-order dispatch rule in
// spec §4.4: "handlers fire in load order, then within a file in
// registration order."
type handler struct {
	file    string
	fileIdx int
	regIdx  int
	event   HookEvent
	filt    *filter
	fn      goja.Callable
}

// installGlobals binds the ggg.on / ggg.log embedded API (spec §6) onto
// rt, recording new handlers into reg. currentFile/currentFileIdx let
// ggg.on tag each registration with its source file without threading
// that context through every call.
func installGlobals(rt *goja.Runtime, reg *registry, currentFile func() (string, int), logger func(file, msg string)) {
	ggg := rt.NewObject()

	_ = ggg.Set("on", func(eventName string, callback goja.Value, options *goja.Object) {
		ev, ok := ParseEventName(eventName)
		if !ok {
			return
		}
		fn, ok := goja.AssertFunction(callback)
		if !ok {
			return
		}

		var filt *filter
		if options != nil {
			if fv := options.Get("filter"); fv != nil && !goja.IsUndefined(fv) && !goja.IsNull(fv) {
				filt = compileFilter(fv.String())
			}
		}

		file, fileIdx := currentFile()
		reg.add(&handler{
			file:    file,
			fileIdx: fileIdx,
			regIdx:  reg.nextRegIdx(file),
			event:   ev,
			filt:    filt,
			fn:      fn,
		})
	})

	_ = ggg.Set("log", func(msg string) {
		file, _ := currentFile()
		logger(file, msg)
	})

	_ = rt.Set("ggg", ggg)
}

// buildBeforeRequestObject exposes a live view over ctx: setUrl/setHeader/
// setUserAgent mutate ctx directly (all script execution is single
// goroutine, so this is race-free), and stopPropagation sets *stop.
func buildBeforeRequestObject(rt *goja.Runtime, ctx *models.BeforeRequestContext, stop *bool) *goja.Object {
	o := rt.NewObject()
	_ = o.Set("url", ctx.URL)
	_ = o.Set("headers", ctx.Headers)
	_ = o.Set("userAgent", ctx.UserAgent)
	_ = o.Set("downloadId", ctx.DownloadID)
	_ = o.Set("setUrl", func(u string) { ctx.URL = u })
	_ = o.Set("setHeader", func(k, v string) {
		if ctx.Headers == nil {
			ctx.Headers = map[string]string{}
		}
		ctx.Headers[k] = v
	})
	_ = o.Set("setUserAgent", func(ua string) { ctx.UserAgent = ua })
	_ = o.Set("stopPropagation", func() { *stop = true })
	return o
}

func buildHeadersReceivedObject(rt *goja.Runtime, ctx *models.HeadersReceivedContext, stop *bool) *goja.Object {
	o := rt.NewObject()
	_ = o.Set("url", ctx.URL)
	_ = o.Set("status", ctx.Status)
	_ = o.Set("headers", ctx.Headers)
	_ = o.Set("contentLength", ctx.ContentLength)
	_ = o.Set("etag", ctx.ETag)
	_ = o.Set("lastModified", ctx.LastModified)
	_ = o.Set("contentType", ctx.ContentType)
	_ = o.Set("stopPropagation", func() { *stop = true })
	return o
}

func buildAuthRequiredObject(rt *goja.Runtime, ctx *models.AuthRequiredContext, stop *bool) *goja.Object {
	o := rt.NewObject()
	_ = o.Set("url", ctx.URL)
	_ = o.Set("scheme", ctx.Scheme)
	_ = o.Set("realm", ctx.Realm)
	_ = o.Set("username", ctx.Username)
	_ = o.Set("password", ctx.Password)
	_ = o.Set("setCredentials", func(user, pass string) {
		ctx.Username = user
		ctx.Password = pass
	})
	_ = o.Set("stopPropagation", func() { *stop = true })
	return o
}

func buildCompletedObject(rt *goja.Runtime, ctx *models.CompletedContext, stop *bool) *goja.Object {
	o := rt.NewObject()
	_ = o.Set("url", ctx.URL)
	_ = o.Set("filename", ctx.Filename)
	_ = o.Set("savePath", ctx.SavePath)
	_ = o.Set("size", ctx.Size)
	_ = o.Set("duration", ctx.DurationSec)
	_ = o.Set("newFilename", ctx.NewFilename)
	_ = o.Set("moveToPath", ctx.MoveToPath)
	_ = o.Set("rename", func(name string) { ctx.NewFilename = name })
	_ = o.Set("moveTo", func(path string) { ctx.MoveToPath = path })
	_ = o.Set("stopPropagation", func() { *stop = true })
	return o
}

func buildProgressObject(rt *goja.Runtime, ctx *models.ProgressContext, stop *bool) *goja.Object {
	o := rt.NewObject()
	_ = o.Set("url", ctx.URL)
	_ = o.Set("filename", ctx.Filename)
	_ = o.Set("downloaded", ctx.Downloaded)
	_ = o.Set("total", ctx.Total)
	_ = o.Set("speed", ctx.Speed)
	_ = o.Set("percentage", ctx.Percentage)
	_ = o.Set("stopPropagation", func() { *stop = true })
	return o
}

func buildErrorObject(rt *goja.Runtime, ctx *models.ErrorContext, stop *bool) *goja.Object {
	o := rt.NewObject()
	_ = o.Set("url", ctx.URL)
	_ = o.Set("filename", ctx.Filename)
	_ = o.Set("error", ctx.Error)
	_ = o.Set("retryCount", ctx.RetryCount)
	_ = o.Set("statusCode", ctx.StatusCode)
	_ = o.Set("stopPropagation", func() { *stop = true })
	return o
}

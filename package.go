// Comfy2video turns video generation jobs into ComfyUI API graphs and runs them on a
// ComfyUI render engine. A job names a model variant (Wan 2.1/2.2, text or image
// conditioned), carries a prompt and sampler settings, and gets back the rendered video
// either inline or as a URL on a storage endpoint.
//
// The graphapi package holds the validated graph templates and the binder that fills them
// in, the client package talks to the engine, and the transfer package moves input images
// and output videos around. The handler package runs one job end to end; jobs and server
// put it behind an HTTP API with an asynq-backed queue.
package comfy2video

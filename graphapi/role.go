package graphapi

// Role is the semantic purpose of a node, independent of its id.
// Roles are resolved from class_type once, when a template is built.
type Role int

const (
	RoleOther Role = iota
	RolePromptEncoder
	RoleLatentSizer
	RoleSampler
	RoleModelLoader
	RoleVAELoader
	RoleImageLoader
	RoleImageEncoder
	RoleImageDecoder
	RoleVideoMuxer
)

var roleNames = map[Role]string{
	RoleOther:         "Other",
	RolePromptEncoder: "PromptEncoder",
	RoleLatentSizer:   "LatentSizer",
	RoleSampler:       "Sampler",
	RoleModelLoader:   "ModelLoader",
	RoleVAELoader:     "VAELoader",
	RoleImageLoader:   "ImageLoader",
	RoleImageEncoder:  "ImageEncoder",
	RoleImageDecoder:  "ImageDecoder",
	RoleVideoMuxer:    "VideoMuxer",
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return "Unknown"
}

// Polarity of a PromptEncoder, as seen from the Sampler.
type Polarity int

const (
	PolarityNone Polarity = iota
	PolarityPositive
	PolarityNegative
)

func (p Polarity) String() string {
	switch p {
	case PolarityPositive:
		return "positive"
	case PolarityNegative:
		return "negative"
	}
	return ""
}

// Loader kinds for RoleModelLoader nodes.
const (
	LoaderCheckpoint = "checkpoint"
	LoaderUNet       = "unet"
	LoaderCLIP       = "clip"
	LoaderLoRA       = "lora"
)

type classInfo struct {
	role   Role
	loader string
}

// classRoles maps ComfyUI class_type names to roles.
var classRoles = map[string]classInfo{
	"CLIPTextEncode": {role: RolePromptEncoder},

	"EmptyLatentImage":        {role: RoleLatentSizer},
	"EmptySD3LatentImage":     {role: RoleLatentSizer},
	"EmptyHunyuanLatentVideo": {role: RoleLatentSizer},
	"EmptyMochiLatentVideo":   {role: RoleLatentSizer},

	"KSampler": {role: RoleSampler},

	"CheckpointLoaderSimple": {role: RoleModelLoader, loader: LoaderCheckpoint},
	"UNETLoader":             {role: RoleModelLoader, loader: LoaderUNet},
	"CLIPLoader":             {role: RoleModelLoader, loader: LoaderCLIP},
	"DualCLIPLoader":         {role: RoleModelLoader, loader: LoaderCLIP},
	"LoraLoader":             {role: RoleModelLoader, loader: LoaderLoRA},

	"VAELoader": {role: RoleVAELoader},
	"LoadImage": {role: RoleImageLoader},
	"VAEEncode": {role: RoleImageEncoder},
	"VAEDecode": {role: RoleImageDecoder},

	"VHS_VideoCombine": {role: RoleVideoMuxer},
	"SaveAnimatedWEBP": {role: RoleVideoMuxer},
	"SaveAnimatedPNG":  {role: RoleVideoMuxer},
	"SaveWEBM":         {role: RoleVideoMuxer},
	"CreateVideo":      {role: RoleVideoMuxer},
}

// RoleOf returns the role and loader kind for a class_type. Unknown classes are RoleOther.
func RoleOf(classType string) (Role, string) {
	info, ok := classRoles[classType]
	if !ok {
		return RoleOther, ""
	}
	return info.role, info.loader
}

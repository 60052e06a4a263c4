package version

// Build information (injected via ldflags - must NOT have default values)
var (
	Version   string
	GitSHA    string
	BuildDate string
)

// String summarises the build for banners and version commands.
func String() string {
	return orDev(Version) + " (" + orDev(GitSHA) + ", built " + orDev(BuildDate) + ")"
}

func orDev(s string) string {
	if s == "" {
		return "dev"
	}
	return s
}

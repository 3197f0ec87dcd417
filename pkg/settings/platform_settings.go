package settings

// MacOSSettings configures the .app bundle and its signing.
type MacOSSettings struct {
	Frameworks           []string          // framework dirs or dylibs to embed under Contents/Frameworks
	Files                map[string]string // Contents relative destination -> source path
	MinimumSystemVersion string
	ExceptionDomain      string
	SigningIdentity      string
	HardenedRuntime      bool
	ProviderShortName    string
	Entitlements         string                 // path to an entitlements plist
	InlineEntitlements   map[string]interface{} // used when Entitlements is empty
	InfoPlist            string                 // user plist merged over the generated one
	SkipStapling         bool
	SkipNotarization     bool
}

// DmgSettings controls the dmg window layout.
type DmgSettings struct {
	Background         string
	WindowWidth        int
	WindowHeight       int
	AppX               int
	AppY               int
	ApplicationFolderX int
	ApplicationFolderY int
}

type IOSSettings struct {
	MinimumSystemVersion string
}

// CustomSignCommand replaces signtool. Any "%1" argument is replaced
// with the path of the file being signed.
type CustomSignCommand struct {
	Cmd  string
	Args []string
}

// WindowsSettings configures Authenticode signing and the installers.
type WindowsSettings struct {
	SignCommand           *CustomSignCommand
	CertificateThumbprint string
	DigestAlgorithm       string
	TimestampURL          string
	TSP                   bool // use an RFC 3161 timestamp server
	AllowDowngrades       bool
	Nsis                  *NsisSettings
	Wix                   *WixSettings
}

// CanSign reports whether enough is configured to sign Windows
// binaries.
func (w WindowsSettings) CanSign() bool {
	return w.SignCommand != nil || w.CertificateThumbprint != ""
}

type NsisInstallMode string

const (
	NsisCurrentUser NsisInstallMode = "currentUser"
	NsisPerMachine  NsisInstallMode = "perMachine"
	NsisBoth        NsisInstallMode = "both"
)

type NsisSettings struct {
	Template                string
	HeaderImage             string
	SidebarImage            string
	InstallerIcon           string
	InstallMode             NsisInstallMode
	Languages               []string
	DisplayLanguageSelector bool
	StartMenuFolder         string
	Compression             string
	InstallerHooks          string
}

type WixSettings struct {
	Template        string
	Language        string
	FragmentPaths   []string
	UpgradeCode     string
	Version         string
	BannerPath      string
	DialogImagePath string
}

type DebSettings struct {
	Depends         []string
	Recommends      []string
	Provides        []string
	Conflicts       []string
	Replaces        []string
	Files           map[string]string
	DesktopTemplate string
	Section         string
	Priority        string
	Changelog       string
	PreInstall      string
	PostInstall     string
	PreRemove       string
	PostRemove      string
}

type RpmSettings struct {
	Depends         []string
	Recommends      []string
	Provides        []string
	Conflicts       []string
	Obsoletes       []string
	Release         string
	Epoch           int
	Files           map[string]string
	DesktopTemplate string
	PreInstall      string
	PostInstall     string
	PreRemove       string
	PostRemove      string
}

type AppImageSettings struct {
	Files                map[string]string
	BundleMediaFramework bool
	BundleXdgOpen        bool
}

// UpdaterSettings turns on updater artifacts and signatures.
type UpdaterSettings struct {
	Pubkey       string // literal minisign public key, or a path to one
	V1Compatible bool
}

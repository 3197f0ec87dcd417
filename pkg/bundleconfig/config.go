package bundleconfig

import (
	"encoding/json"
	"strings"

	"github.com/kolide/bundler/pkg/settings"
	"github.com/pkg/errors"
)

// Config is the bundler configuration file, after the platform file
// and any patches have been merged in.
type Config struct {
	ProductName    string        `json:"productName"`
	Version        string        `json:"version"`
	Identifier     string        `json:"identifier"`
	MainBinaryName string        `json:"mainBinaryName"`
	Description    string        `json:"description"`
	Authors        []string      `json:"authors"`
	Bundle         BundleConfig  `json:"bundle"`
	Plugins        PluginsConfig `json:"plugins"`
}

type BundleConfig struct {
	Active                 bool             `json:"active"`
	Targets                Targets          `json:"targets"`
	Publisher              string           `json:"publisher"`
	Copyright              string           `json:"copyright"`
	Category               string           `json:"category"`
	ShortDescription       string           `json:"shortDescription"`
	LongDescription        string           `json:"longDescription"`
	Homepage               string           `json:"homepage"`
	Icon                   []string         `json:"icon"`
	Resources              Resources        `json:"resources"`
	ExternalBin            []string         `json:"externalBin"`
	CreateUpdaterArtifacts UpdaterArtifacts `json:"createUpdaterArtifacts"`
	MacOS                  MacOSConfig      `json:"macOS"`
	Windows                WindowsConfig    `json:"windows"`
	Linux                  LinuxConfig      `json:"linux"`
	IOS                    IOSConfig        `json:"iOS"`
}

// Targets is either "all" or a list of package type short names.
// Empty and "all" both mean the platform defaults.
type Targets []string

func (t *Targets) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "all" || one == "" {
			*t = nil
		} else {
			*t = Targets{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.Wrap(err, "targets must be a string or a list of strings")
	}
	*t = many
	return nil
}

// Resources is a list of paths and globs, or a map of source to
// destination.
type Resources struct {
	List []string
	Map  map[string]string
}

func (r *Resources) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &r.List); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, &r.Map); err != nil {
		return errors.Wrap(err, "resources must be a list or a map")
	}
	return nil
}

// UpdaterArtifacts is true, false or "v1Compatible".
type UpdaterArtifacts struct {
	Enabled      bool
	V1Compatible bool
}

func (u *UpdaterArtifacts) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*u = UpdaterArtifacts{Enabled: b}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil || s != "v1Compatible" {
		return errors.Errorf("createUpdaterArtifacts must be a boolean or \"v1Compatible\", got %s", data)
	}
	*u = UpdaterArtifacts{Enabled: true, V1Compatible: true}
	return nil
}

type MacOSConfig struct {
	Frameworks           []string          `json:"frameworks"`
	Files                map[string]string `json:"files"`
	MinimumSystemVersion string            `json:"minimumSystemVersion"`
	ExceptionDomain      string            `json:"exceptionDomain"`
	SigningIdentity      string            `json:"signingIdentity"`
	HardenedRuntime      *bool             `json:"hardenedRuntime"`
	ProviderShortName    string            `json:"providerShortName"`
	Entitlements         string            `json:"entitlements"`
	InfoPlist            string            `json:"infoPlist"`
	SkipStapling         bool              `json:"skipStapling"`
	SkipNotarization     bool              `json:"skipNotarization"`
	Dmg                  DmgConfig         `json:"dmg"`
}

type DmgConfig struct {
	Background string `json:"background"`
	WindowSize struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"windowSize"`
	AppPosition               Position `json:"appPosition"`
	ApplicationFolderPosition Position `json:"applicationFolderPosition"`
}

type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type WindowsConfig struct {
	CertificateThumbprint string       `json:"certificateThumbprint"`
	DigestAlgorithm       string       `json:"digestAlgorithm"`
	TimestampURL          string       `json:"timestampUrl"`
	TSP                   bool         `json:"tsp"`
	AllowDowngrades       *bool        `json:"allowDowngrades"`
	SignCommand           *SignCommand `json:"signCommand"`
	Nsis                  *NsisConfig  `json:"nsis"`
	Wix                   *WixConfig   `json:"wix"`
}

// SignCommand is either a full command line string or {cmd, args}.
type SignCommand struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
}

func (c *SignCommand) UnmarshalJSON(data []byte) error {
	var line string
	if err := json.Unmarshal(data, &line); err == nil {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return errors.New("signCommand is empty")
		}
		*c = SignCommand{Cmd: fields[0], Args: fields[1:]}
		return nil
	}
	type plain SignCommand
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return errors.Wrap(err, "signCommand must be a string or {cmd, args}")
	}
	*c = SignCommand(p)
	return nil
}

type NsisConfig struct {
	Template                string   `json:"template"`
	HeaderImage             string   `json:"headerImage"`
	SidebarImage            string   `json:"sidebarImage"`
	InstallerIcon           string   `json:"installerIcon"`
	InstallMode             string   `json:"installMode"`
	Languages               []string `json:"languages"`
	DisplayLanguageSelector bool     `json:"displayLanguageSelector"`
	StartMenuFolder         string   `json:"startMenuFolder"`
	Compression             string   `json:"compression"`
	InstallerHooks          string   `json:"installerHooks"`
}

type WixConfig struct {
	Template        string   `json:"template"`
	Language        string   `json:"language"`
	FragmentPaths   []string `json:"fragmentPaths"`
	UpgradeCode     string   `json:"upgradeCode"`
	Version         string   `json:"version"`
	BannerPath      string   `json:"bannerPath"`
	DialogImagePath string   `json:"dialogImagePath"`
}

type LinuxConfig struct {
	Deb      DebConfig      `json:"deb"`
	Rpm      RpmConfig      `json:"rpm"`
	AppImage AppImageConfig `json:"appimage"`
}

type DebConfig struct {
	Depends           []string          `json:"depends"`
	Recommends        []string          `json:"recommends"`
	Provides          []string          `json:"provides"`
	Conflicts         []string          `json:"conflicts"`
	Replaces          []string          `json:"replaces"`
	Files             map[string]string `json:"files"`
	DesktopTemplate   string            `json:"desktopTemplate"`
	Section           string            `json:"section"`
	Priority          string            `json:"priority"`
	Changelog         string            `json:"changelog"`
	PreInstallScript  string            `json:"preInstallScript"`
	PostInstallScript string            `json:"postInstallScript"`
	PreRemoveScript   string            `json:"preRemoveScript"`
	PostRemoveScript  string            `json:"postRemoveScript"`
}

type RpmConfig struct {
	Depends           []string          `json:"depends"`
	Recommends        []string          `json:"recommends"`
	Provides          []string          `json:"provides"`
	Conflicts         []string          `json:"conflicts"`
	Obsoletes         []string          `json:"obsoletes"`
	Release           string            `json:"release"`
	Epoch             int               `json:"epoch"`
	Files             map[string]string `json:"files"`
	DesktopTemplate   string            `json:"desktopTemplate"`
	PreInstallScript  string            `json:"preInstallScript"`
	PostInstallScript string            `json:"postInstallScript"`
	PreRemoveScript   string            `json:"preRemoveScript"`
	PostRemoveScript  string            `json:"postRemoveScript"`
}

type AppImageConfig struct {
	BundleMediaFramework bool              `json:"bundleMediaFramework"`
	BundleXdgOpen        bool              `json:"bundleXdgOpen"`
	Files                map[string]string `json:"files"`
}

type IOSConfig struct {
	MinimumSystemVersion string `json:"minimumSystemVersion"`
}

type PluginsConfig struct {
	Updater struct {
		Pubkey string `json:"pubkey"`
	} `json:"updater"`
}

// BinaryName is the main executable name: mainBinaryName when set,
// else the product name lowercased with spaces turned into dashes.
func (c *Config) BinaryName() string {
	if c.MainBinaryName != "" {
		return c.MainBinaryName
	}
	return strings.ReplaceAll(strings.ToLower(c.ProductName), " ", "-")
}

// PackageTypes resolves the configured targets. nil means the
// platform defaults.
func (c *Config) PackageTypes() ([]settings.PackageType, error) {
	if len(c.Bundle.Targets) == 0 {
		return nil, nil
	}
	types, err := settings.ParsePackageTypes(c.Bundle.Targets)
	if err != nil {
		return nil, errors.Wrap(err, "parsing bundle targets")
	}
	return types, nil
}

// Builder returns a settings builder populated from c. Relative paths
// resolve against baseDir. The caller still sets the out dir and the
// target, and may add or replace package types.
func (c *Config) Builder(baseDir string) (*settings.Builder, error) {
	types, err := c.PackageTypes()
	if err != nil {
		return nil, err
	}

	var updater *settings.UpdaterSettings
	if c.Bundle.CreateUpdaterArtifacts.Enabled {
		updater = &settings.UpdaterSettings{
			Pubkey:       c.Plugins.Updater.Pubkey,
			V1Compatible: c.Bundle.CreateUpdaterArtifacts.V1Compatible,
		}
		if len(types) > 0 {
			types = append(types, settings.Updater)
		}
	}

	b := settings.NewBuilder().
		Package(settings.PackageSettings{
			ProductName: c.ProductName,
			Version:     c.Version,
			Description: c.Description,
			Homepage:    c.Bundle.Homepage,
			Authors:     c.Authors,
		}).
		Bundle(c.bundleSettings(updater)).
		Binaries(settings.Binary{Name: c.BinaryName(), Main: true}).
		PackageTypes(types...).
		ResourceBaseDir(baseDir)

	return b, nil
}

func (c *Config) bundleSettings(updater *settings.UpdaterSettings) settings.BundleSettings {
	bc := c.Bundle
	return settings.BundleSettings{
		Identifier:       c.Identifier,
		Publisher:        bc.Publisher,
		Copyright:        bc.Copyright,
		Category:         bc.Category,
		ShortDescription: bc.ShortDescription,
		LongDescription:  bc.LongDescription,
		Icons:            bc.Icon,
		Resources:        bc.Resources.List,
		ResourcesMap:     bc.Resources.Map,
		ExternalBin:      bc.ExternalBin,
		MacOS: settings.MacOSSettings{
			Frameworks:           bc.MacOS.Frameworks,
			Files:                bc.MacOS.Files,
			MinimumSystemVersion: bc.MacOS.MinimumSystemVersion,
			ExceptionDomain:      bc.MacOS.ExceptionDomain,
			SigningIdentity:      bc.MacOS.SigningIdentity,
			HardenedRuntime:      boolOr(bc.MacOS.HardenedRuntime, true),
			ProviderShortName:    bc.MacOS.ProviderShortName,
			Entitlements:         bc.MacOS.Entitlements,
			InfoPlist:            bc.MacOS.InfoPlist,
			SkipStapling:         bc.MacOS.SkipStapling,
			SkipNotarization:     bc.MacOS.SkipNotarization,
		},
		Dmg: settings.DmgSettings{
			Background:         bc.MacOS.Dmg.Background,
			WindowWidth:        bc.MacOS.Dmg.WindowSize.Width,
			WindowHeight:       bc.MacOS.Dmg.WindowSize.Height,
			AppX:               bc.MacOS.Dmg.AppPosition.X,
			AppY:               bc.MacOS.Dmg.AppPosition.Y,
			ApplicationFolderX: bc.MacOS.Dmg.ApplicationFolderPosition.X,
			ApplicationFolderY: bc.MacOS.Dmg.ApplicationFolderPosition.Y,
		},
		IOS: settings.IOSSettings{
			MinimumSystemVersion: bc.IOS.MinimumSystemVersion,
		},
		Windows: c.windowsSettings(),
		Deb: settings.DebSettings{
			Depends:         bc.Linux.Deb.Depends,
			Recommends:      bc.Linux.Deb.Recommends,
			Provides:        bc.Linux.Deb.Provides,
			Conflicts:       bc.Linux.Deb.Conflicts,
			Replaces:        bc.Linux.Deb.Replaces,
			Files:           bc.Linux.Deb.Files,
			DesktopTemplate: bc.Linux.Deb.DesktopTemplate,
			Section:         bc.Linux.Deb.Section,
			Priority:        bc.Linux.Deb.Priority,
			Changelog:       bc.Linux.Deb.Changelog,
			PreInstall:      bc.Linux.Deb.PreInstallScript,
			PostInstall:     bc.Linux.Deb.PostInstallScript,
			PreRemove:       bc.Linux.Deb.PreRemoveScript,
			PostRemove:      bc.Linux.Deb.PostRemoveScript,
		},
		Rpm: settings.RpmSettings{
			Depends:         bc.Linux.Rpm.Depends,
			Recommends:      bc.Linux.Rpm.Recommends,
			Provides:        bc.Linux.Rpm.Provides,
			Conflicts:       bc.Linux.Rpm.Conflicts,
			Obsoletes:       bc.Linux.Rpm.Obsoletes,
			Release:         bc.Linux.Rpm.Release,
			Epoch:           bc.Linux.Rpm.Epoch,
			Files:           bc.Linux.Rpm.Files,
			DesktopTemplate: bc.Linux.Rpm.DesktopTemplate,
			PreInstall:      bc.Linux.Rpm.PreInstallScript,
			PostInstall:     bc.Linux.Rpm.PostInstallScript,
			PreRemove:       bc.Linux.Rpm.PreRemoveScript,
			PostRemove:      bc.Linux.Rpm.PostRemoveScript,
		},
		AppImage: settings.AppImageSettings{
			Files:                bc.Linux.AppImage.Files,
			BundleMediaFramework: bc.Linux.AppImage.BundleMediaFramework,
			BundleXdgOpen:        bc.Linux.AppImage.BundleXdgOpen,
		},
		Updater: updater,
	}
}

func (c *Config) windowsSettings() settings.WindowsSettings {
	wc := c.Bundle.Windows
	ws := settings.WindowsSettings{
		CertificateThumbprint: wc.CertificateThumbprint,
		DigestAlgorithm:       wc.DigestAlgorithm,
		TimestampURL:          wc.TimestampURL,
		TSP:                   wc.TSP,
		AllowDowngrades:       boolOr(wc.AllowDowngrades, true),
	}
	if wc.SignCommand != nil {
		ws.SignCommand = &settings.CustomSignCommand{Cmd: wc.SignCommand.Cmd, Args: wc.SignCommand.Args}
	}
	if n := wc.Nsis; n != nil {
		ws.Nsis = &settings.NsisSettings{
			Template:                n.Template,
			HeaderImage:             n.HeaderImage,
			SidebarImage:            n.SidebarImage,
			InstallerIcon:           n.InstallerIcon,
			InstallMode:             settings.NsisInstallMode(n.InstallMode),
			Languages:               n.Languages,
			DisplayLanguageSelector: n.DisplayLanguageSelector,
			StartMenuFolder:         n.StartMenuFolder,
			Compression:             n.Compression,
			InstallerHooks:          n.InstallerHooks,
		}
	}
	if w := wc.Wix; w != nil {
		ws.Wix = &settings.WixSettings{
			Template:        w.Template,
			Language:        w.Language,
			FragmentPaths:   w.FragmentPaths,
			UpgradeCode:     w.UpgradeCode,
			Version:         w.Version,
			BannerPath:      w.BannerPath,
			DialogImagePath: w.DialogImagePath,
		}
	}
	return ws
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

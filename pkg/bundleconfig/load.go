// Package bundleconfig reads the bundler configuration file. The file
// may be JSON, YAML or TOML. A platform specific file and any number of
// JSON patches are merged on top before the result is validated
// against the embedded schema.
package bundleconfig

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ghodss/yaml"
	"github.com/kolide/bundler/pkg/settings"
	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "bundler.conf.schema.json"

// Extensions are tried in this order.
var extensions = []string{"json", "yaml", "yml", "toml"}

var ErrConfigNotFound = errors.New("no bundler.conf.{json,yaml,yml,toml} found")

type loadOptions struct {
	platform settings.Platform
	patches  []string
}

type Opt func(*loadOptions)

// WithPlatform merges bundler.<platform>.conf.<ext> when it exists.
func WithPlatform(p settings.Platform) Opt {
	return func(lo *loadOptions) {
		lo.platform = p
	}
}

// WithPatches merges each patch, in order, after the platform file. A
// patch is inline JSON or the path of a config file.
func WithPatches(patches ...string) Opt {
	return func(lo *loadOptions) {
		lo.patches = append(lo.patches, patches...)
	}
}

// Load reads the config from dir. It returns the merged config and the
// path of the main config file.
func Load(dir string, opts ...Opt) (*Config, string, error) {
	lo := &loadOptions{}
	for _, opt := range opts {
		opt(lo)
	}

	path, ok := findFile(dir, "bundler.conf")
	if !ok {
		return nil, "", errors.Wrapf(ErrConfigNotFound, "in %s", dir)
	}

	merged, err := readFile(path)
	if err != nil {
		return nil, "", err
	}

	if lo.platform != "" {
		if platformPath, ok := findFile(dir, "bundler."+platformConfigName(lo.platform)+".conf"); ok {
			patch, err := readFile(platformPath)
			if err != nil {
				return nil, "", err
			}
			merged = mergePatch(merged, patch)
		}
	}

	for _, p := range lo.patches {
		patch, err := readPatch(p)
		if err != nil {
			return nil, "", err
		}
		merged = mergePatch(merged, patch)
	}

	cfg, err := decode(merged)
	if err != nil {
		return nil, "", errors.Wrapf(err, "loading %s", path)
	}
	return cfg, path, nil
}

// Parse validates and decodes a single JSON document.
func Parse(data []byte) (*Config, error) {
	v, err := toJSONValue(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.New("config must be an object")
	}
	return decode(obj)
}

func decode(v map[string]interface{}) (*Config, error) {
	if err := Validate(v); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "re-encoding config")
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	return &cfg, nil
}

// Validate checks a decoded JSON value against the config schema.
func Validate(v interface{}) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return errors.Wrap(err, "adding config schema")
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return errors.Wrap(err, "compiling config schema")
	}
	if err := schema.Validate(v); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}

// platformConfigName is the name used in platform config files.
func platformConfigName(p settings.Platform) string {
	if p == settings.Darwin {
		return "macos"
	}
	return string(p)
}

func findFile(dir, stem string) (string, bool) {
	for _, ext := range extensions {
		path := filepath.Join(dir, stem+"."+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// readPatch accepts inline JSON or a path.
func readPatch(p string) (map[string]interface{}, error) {
	if strings.HasPrefix(strings.TrimSpace(p), "{") {
		v, err := toJSONValue([]byte(p))
		if err != nil {
			return nil, errors.Wrap(err, "parsing config patch")
		}
		obj, ok := v.(map[string]interface{})
		if !ok {
			return nil, errors.New("config patch must be an object")
		}
		return obj, nil
	}
	return readFile(p)
}

// readFile parses a config file into a JSON object, picking the format
// from the extension.
func readFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}

	var jsonData []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if jsonData, err = yaml.YAMLToJSON(data); err != nil {
			return nil, errors.Wrapf(err, "parsing yaml %s", path)
		}
	case ".toml":
		var m map[string]interface{}
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, errors.Wrapf(err, "parsing toml %s", path)
		}
		if jsonData, err = json.Marshal(m); err != nil {
			return nil, errors.Wrapf(err, "converting toml %s", path)
		}
	default:
		jsonData = data
	}

	v, err := toJSONValue(jsonData)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("config %s must be an object", path)
	}
	return obj, nil
}

func toJSONValue(data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// mergePatch applies patch onto target like an RFC 7386 merge patch,
// except that a null in the patch leaves the target value alone instead
// of deleting it. Objects merge recursively; anything else replaces.
func mergePatch(target, patch map[string]interface{}) map[string]interface{} {
	if target == nil {
		target = make(map[string]interface{})
	}
	for k, pv := range patch {
		if pv == nil {
			continue
		}
		pObj, pIsObj := pv.(map[string]interface{})
		tObj, tIsObj := target[k].(map[string]interface{})
		if pIsObj && tIsObj {
			target[k] = mergePatch(tObj, pObj)
			continue
		}
		if pIsObj {
			target[k] = mergePatch(nil, pObj)
			continue
		}
		target[k] = pv
	}
	return target
}

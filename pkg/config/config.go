package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".tracectl"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the
// config file. The engine itself never reads this; values are threaded
// through explicitly by the command layer.
type Config struct {
	// Command aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// PipeTimeoutMs is the default deadline, in milliseconds, applied to
	// pipe receives issued by the command layer.
	PipeTimeoutMs *int `yaml:"pipe-timeout-ms,omitempty"`

	// DisableASLR launches targets with address space randomization turned
	// off, so that raw breakpoint addresses stay stable between runs.
	DisableASLR bool `yaml:"disable-aslr"`

	// LogOutput is a comma separated list of components that should produce
	// debug output when logging is enabled.
	LogOutput string `yaml:"log-output"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.\n", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.\n", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v\n", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.\n", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.\n", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.\n", err)
		return &Config{}
	}

	return &c
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for tracectl.

# This is the default configuration file. Available options are provided,
# but disabled. Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Default deadline, in milliseconds, for pipe receives issued by tracectl
# commands.
# pipe-timeout-ms: 2000

# Launch targets with address space layout randomization disabled.
# disable-aslr: true

# Components that should produce debug output when --log is passed.
# log-output: "debugger,dispatch,pipe"
`)
	return err
}

func userHomeDir() string {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return userHomeDir
}

func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(fname string) (string, error) {
	if configPath := os.Getenv("TRACECTL_HOME"); configPath != "" {
		return path.Join(configPath, fname), nil
	}
	return path.Join(userHomeDir(), configDir, fname), nil
}

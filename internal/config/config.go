package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	StorageTypeInMemory = "inmemory"
	StorageTypeMysql    = "mysql"
)

type Config struct {
	Server  Server  `yaml:"server" json:"server"` // configuration of the public REST server
	Name    string  `yaml:"name" json:"name"`     // used for OTEL as an application identifier
	Storage Storage `yaml:"storage" json:"storage"`
	Queue   Queue   `yaml:"queue" json:"queue"`
	Tracing Tracing `yaml:"tracing" json:"tracing"`
}

type Server struct {
	Context string `yaml:"context" json:"context" env:"REST_API_CONTEXT" env-default:"/"`
	Addr    string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
}

type Storage struct {
	// Type selects the event store backend: inmemory or mysql
	Type     string `yaml:"type" json:"type" env:"STORAGE_TYPE" env-default:"inmemory"`
	MysqlDsn string `yaml:"mysqlDsn" json:"mysqlDsn" env:"STORAGE_MYSQL_DSN"`
}

type Queue struct {
	// Workers caps the number of concurrently supervised workflow instances
	Workers int `yaml:"workers" json:"workers" env:"QUEUE_WORKERS" env-default:"8"`
	// Buffer is the capacity of the in-memory launch and reactivation queues
	Buffer int `yaml:"buffer" json:"buffer" env:"QUEUE_BUFFER" env-default:"256"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"TRACING_ENABLED"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT"`
	Name     string `yaml:"name" json:"name" env:"TRACING_NAME"`
}

func (c Config) defaults() Config {
	if c.Name == "" {
		c.Name = "caseflow"
	}
	if c.Tracing.Name == "" {
		c.Tracing.Name = c.Name
	}
	return c
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c.defaults()
}

package cmmn

import (
	"hash/adler32"
	"os"

	"github.com/bwmarrin/snowflake"
)

var globalIdGenerator *snowflake.Node = nil

func getGlobalSnowflakeIdGenerator() *snowflake.Node {
	if globalIdGenerator == nil {
		hash32 := adler32.New()
		for _, e := range os.Environ() {
			hash32.Sum([]byte(e))
		}
		node, err := snowflake.NewNode(int64(hash32.Sum32()))
		if err != nil {
			panic("can't initialize snowflake ID generator. Message: " + err.Error())
		}
		globalIdGenerator = node
	}
	return globalIdGenerator
}

func generateId() string {
	return getGlobalSnowflakeIdGenerator().Generate().String()
}

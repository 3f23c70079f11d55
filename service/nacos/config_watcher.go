package nacos

import (
	"PPChat/global/config"
	"PPChat/logger"
	"PPChat/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// ConfigSource config.Load 用的远端配置源
type ConfigSource struct {
	cli config_client.IConfigClient
}

func NewConfigSource(cli config_client.IConfigClient) *ConfigSource {
	return &ConfigSource{cli: cli}
}

// SourceFactory 传给 config.Load
func SourceFactory(c config.NacosConfig) (config.Source, error) {
	cli, err := NewConfigClient(c)
	if err != nil {
		return nil, err
	}
	return NewConfigSource(cli), nil
}

func (s *ConfigSource) GetConfig(dataID, group string) (string, error) {
	content, err := s.cli.GetConfig(vo.ConfigParam{DataId: dataID, Group: group})
	if err != nil {
		return "", errs.ErrInfra.WrapMsg("nacos get config", "dataId", dataID, "err", err.Error())
	}
	return content, nil
}

// Watch 配置变更回调；回调在 nacos sdk 的 goroutine 里执行，panic 会被吞掉并记日志
func (s *ConfigSource) Watch(dataID, group string, onChange func(content string)) error {
	err := s.cli.ListenConfig(vo.ConfigParam{
		DataId: dataID,
		Group:  group,
		OnChange: func(namespace, group, dataId, data string) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("nacos config callback panic", zap.Any("panic", r), zap.String("dataId", dataId))
				}
			}()
			logger.Info("nacos config changed", zap.String("dataId", dataId), zap.Int("size", len(data)))
			onChange(data)
		},
	})
	if err != nil {
		return errs.ErrInfra.WrapMsg("nacos listen config", "dataId", dataID, "err", err.Error())
	}
	return nil
}

func (s *ConfigSource) Close() {
	s.cli.CloseClient()
}

package nacos

import (
	"PPChat/global/config"
	"PPChat/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

func NewConfigClient(c config.NacosConfig) (config_client.IConfigClient, error) {
	cli, err := clients.NewConfigClient(vo.NacosClientParam{
		ClientConfig:  clientConfig(c),
		ServerConfigs: serverConfigs(c),
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "create nacos config client", "addr", c.Addr)
	}
	return cli, nil
}

func NewNamingClient(c config.NacosConfig) (naming_client.INamingClient, error) {
	cli, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  clientConfig(c),
		ServerConfigs: serverConfigs(c),
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "create nacos naming client", "addr", c.Addr)
	}
	return cli, nil
}

func serverConfigs(c config.NacosConfig) []constant.ServerConfig {
	return []constant.ServerConfig{
		*constant.NewServerConfig(c.Addr, c.Port),
	}
}

func clientConfig(c config.NacosConfig) *constant.ClientConfig {
	return constant.NewClientConfig(
		constant.WithNamespaceId(c.Namespace),
		constant.WithTimeoutMs(5000),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel("warn"),
		constant.WithCacheDir(c.CacheDir),
		constant.WithLogDir(c.LogDir),
		constant.WithUsername(c.Username),
		constant.WithPassword(c.Password),
	)
}
